// Package store persists replicated room state. The store's copy is the
// only state that survives a process restart; serving instances treat
// their own memory purely as a cache.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hokm-live/hokmd/internal/models"
)

var (
	// ErrNotFound is returned when no snapshot (or lease) exists for the
	// requested room.
	ErrNotFound = errors.New("room not found")

	// ErrStaleWrite is returned when a Put's version is neither the next
	// version nor a retry of the current one. The caller must re-read
	// and re-apply.
	ErrStaleWrite = errors.New("stale write")

	// ErrUnavailable is returned when the backing store cannot be
	// reached. Callers see it through the circuit breaker.
	ErrUnavailable = errors.New("store unavailable")

	// ErrLeaseHeld is returned when a lease operation loses to another
	// live instance.
	ErrLeaseHeld = errors.New("lease held by another instance")
)

// Lease is a time-bounded ownership claim an instance holds over a room.
// Only the lease holder may mutate the room; the failover controller
// reassigns leases whose holder stopped heartbeating.
type Lease struct {
	RoomCode   string    `json:"room_code"`
	InstanceID string    `json:"instance_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (l Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// ActionRecord is one committed room transition, published to the action
// log for auditing and replay tooling. Delivery is best effort.
type ActionRecord struct {
	RoomCode  string         `json:"room_code"`
	Version   uint64         `json:"version"`
	Event     string         `json:"event"`
	ActorID   uuid.UUID      `json:"actor_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Store is the durable state store contract.
//
// Put persists a snapshot under optimistic concurrency: version must be
// exactly current+1. Retrying a write whose version is already current
// is a no-op success, never a second mutation, which makes Put safe to
// retry blindly. Any other version mismatch fails with ErrStaleWrite.
type Store interface {
	Put(ctx context.Context, code string, version uint64, snap *models.RoomSnapshot) error
	Get(ctx context.Context, code string) (*models.RoomSnapshot, error)
	Delete(ctx context.Context, code string) error
	// Rooms lists every room code with a persisted snapshot.
	Rooms(ctx context.Context) ([]string, error)

	AcquireLease(ctx context.Context, code, instanceID string, ttl time.Duration) error
	RenewLease(ctx context.Context, code, instanceID string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, code, instanceID string) error
	GetLease(ctx context.Context, code string) (*Lease, error)

	// Heartbeat marks the instance as alive for ttl; InstanceAlive is
	// how the failover controller re-validates a holder just before
	// reassigning its leases.
	Heartbeat(ctx context.Context, instanceID string, ttl time.Duration) error
	InstanceAlive(ctx context.Context, instanceID string) (bool, error)

	PublishAction(ctx context.Context, rec ActionRecord) error
}
