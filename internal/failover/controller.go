// Package failover watches peer instances and moves orphaned rooms to
// this instance when their owner dies. Ownership is always decided by
// the store's leases; the controller only decides when to try.
package failover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hokm-live/hokmd/internal/store"
)

// RoomAdopter is the slice of the room manager the controller needs.
type RoomAdopter interface {
	AdoptRoom(ctx context.Context, code string) error
	OwnedRooms() []string
}

// Options fixes the controller's probing behaviour.
type Options struct {
	InstanceID    string
	Peers         map[string]string // instance id -> healthz address
	ProbeInterval time.Duration
	ProbeFailures int
}

type peerHealth struct {
	fails int
	down  bool
}

// Controller probes each peer's /healthz and, after enough consecutive
// failures, tries to adopt the rooms the peer left behind. A takeover
// re-validates the peer's heartbeat first: a reachable-but-slow peer
// keeps its rooms.
type Controller struct {
	store   store.Store
	adopter RoomAdopter
	opts    Options
	log     *logrus.Entry

	mu    sync.Mutex
	peers map[string]*peerHealth

	// checkFunc probes one peer address; swapped in tests.
	checkFunc func(ctx context.Context, addr string) error
	client    *http.Client
}

func NewController(st store.Store, adopter RoomAdopter, opts Options, log *logrus.Logger) *Controller {
	c := &Controller{
		store:   st,
		adopter: adopter,
		opts:    opts,
		log:     log.WithField("component", "failover"),
		peers:   make(map[string]*peerHealth),
		client:  &http.Client{Timeout: 2 * time.Second},
	}
	c.checkFunc = c.httpProbe
	for id := range opts.Peers {
		c.peers[id] = &peerHealth{}
	}
	return c
}

// Run probes peers until the context ends.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.probeAll(ctx)
		}
	}
}

func (c *Controller) probeAll(ctx context.Context) {
	for id, addr := range c.opts.Peers {
		if id == c.opts.InstanceID {
			continue
		}
		err := c.checkFunc(ctx, addr)

		c.mu.Lock()
		health := c.peers[id]
		if health == nil {
			health = &peerHealth{}
			c.peers[id] = health
		}
		if err == nil {
			if health.down {
				c.log.WithField("peer", id).Info("peer recovered")
			}
			health.fails = 0
			health.down = false
			c.mu.Unlock()
			continue
		}
		health.fails++
		fails := health.fails
		firstDown := fails >= c.opts.ProbeFailures && !health.down
		if firstDown {
			health.down = true
		}
		c.mu.Unlock()

		c.log.WithError(err).WithFields(logrus.Fields{
			"peer": id, "fails": fails,
		}).Warn("peer probe failed")
		if fails >= c.opts.ProbeFailures {
			c.takeover(ctx, id)
		}
	}
}

// takeover adopts rooms orphaned by a dead peer. The peer's heartbeat
// is checked immediately before any handoff; a live heartbeat vetoes
// the probe verdict. Rooms whose lease has not yet expired are left for
// the next tick.
func (c *Controller) takeover(ctx context.Context, deadID string) {
	alive, err := c.store.InstanceAlive(ctx, deadID)
	if err != nil {
		c.log.WithError(err).WithField("peer", deadID).Warn("heartbeat check failed")
		return
	}
	if alive {
		c.log.WithField("peer", deadID).Info("peer heartbeat still fresh, holding off")
		return
	}

	rooms, err := c.store.Rooms(ctx)
	if err != nil {
		c.log.WithError(err).Warn("room listing failed")
		return
	}

	for _, code := range rooms {
		lease, err := c.store.GetLease(ctx, code)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Expired or never held: up for grabs.
		case err != nil:
			c.log.WithError(err).WithField("room", code).Warn("lease lookup failed")
			continue
		case lease.InstanceID == c.opts.InstanceID:
			continue
		case lease.InstanceID == deadID:
			c.log.WithFields(logrus.Fields{
				"room": code, "holder": deadID,
			}).Info("lease not yet expired, retrying next tick")
			continue
		default:
			continue
		}

		if err := c.adopter.AdoptRoom(ctx, code); err != nil {
			if errors.Is(err, store.ErrLeaseHeld) {
				continue // another instance won the race
			}
			c.log.WithError(err).WithField("room", code).Warn("adopt failed")
			continue
		}
		c.log.WithFields(logrus.Fields{"room": code, "from": deadID}).Info("room adopted")
	}
}

func (c *Controller) httpProbe(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	if !strings.HasSuffix(url, "/healthz") {
		url = strings.TrimRight(url, "/") + "/healthz"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned status %d", resp.StatusCode)
	}
	return nil
}

// PeerDown reports whether the controller currently considers a peer
// dead.
func (c *Controller) PeerDown(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	health, ok := c.peers[id]
	return ok && health.down
}

// Healthz serves this instance's liveness endpoint: instance id and the
// number of rooms it owns.
func Healthz(instanceID string, adopter RoomAdopter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"instance_id": instanceID,
			"owned_rooms": len(adopter.OwnedRooms()),
		})
	}
}
