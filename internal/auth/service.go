package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/hokm-live/hokmd/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameTaken      = errors.New("username already taken")
)

// Service issues and verifies player identities. Registered users get
// bcrypt-hashed credentials and HS256 bearer tokens; guests get a fresh
// uuid with no persistence.
type Service struct {
	repo   UserRepo
	secret []byte
	ttl    time.Duration
	log    *logrus.Entry
}

func NewService(repo UserRepo, secret []byte, ttl time.Duration, log *logrus.Logger) *Service {
	return &Service{
		repo:   repo,
		secret: secret,
		ttl:    ttl,
		log:    log.WithField("component", "auth"),
	}
}

// Register creates an account and returns its identity.
func (s *Service) Register(ctx context.Context, username, password string) (models.PlayerIdentity, error) {
	if username == "" || password == "" {
		return models.PlayerIdentity{}, ErrInvalidCredentials
	}
	if _, err := s.repo.GetUserByUsername(ctx, username); err == nil {
		return models.PlayerIdentity{}, ErrUsernameTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return models.PlayerIdentity{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.PlayerIdentity{}, err
	}
	user := &models.User{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return models.PlayerIdentity{}, err
	}
	s.log.WithField("username", username).Info("user registered")
	return models.PlayerIdentity{ID: user.ID, Username: user.Username, Authenticated: true}, nil
}

// Login checks credentials and mints a bearer token for reconnects.
func (s *Service) Login(ctx context.Context, username, password string) (models.PlayerIdentity, string, error) {
	user, err := s.repo.GetUserByUsername(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return models.PlayerIdentity{}, "", ErrInvalidCredentials
	}
	if err != nil {
		return models.PlayerIdentity{}, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return models.PlayerIdentity{}, "", ErrInvalidCredentials
	}

	token, err := s.mintToken(user.ID, user.Username)
	if err != nil {
		return models.PlayerIdentity{}, "", err
	}
	return models.PlayerIdentity{ID: user.ID, Username: user.Username, Authenticated: true}, token, nil
}

// Authenticate logs the user in, creating the account on first use. A
// username that already exists with a different password fails as a
// plain bad login.
func (s *Service) Authenticate(ctx context.Context, username, password string) (models.PlayerIdentity, string, error) {
	_, err := s.repo.GetUserByUsername(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		if _, err := s.Register(ctx, username, password); err != nil {
			return models.PlayerIdentity{}, "", err
		}
	} else if err != nil {
		return models.PlayerIdentity{}, "", err
	}
	return s.Login(ctx, username, password)
}

// VerifyToken resolves a bearer token back to the identity it names.
func (s *Service) VerifyToken(tokenString string) (models.PlayerIdentity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return models.PlayerIdentity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return models.PlayerIdentity{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return models.PlayerIdentity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return models.PlayerIdentity{}, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	username, _ := claims["username"].(string)
	if username == "" {
		return models.PlayerIdentity{}, fmt.Errorf("%w: missing username", ErrInvalidToken)
	}
	return models.PlayerIdentity{ID: id, Username: username, Authenticated: true}, nil
}

// Guest mints an unauthenticated identity for plain joins.
func (s *Service) Guest(username string) (models.PlayerIdentity, error) {
	if username == "" {
		return models.PlayerIdentity{}, ErrInvalidCredentials
	}
	return models.PlayerIdentity{ID: uuid.New(), Username: username}, nil
}

func (s *Service) mintToken(id uuid.UUID, username string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      id.String(),
		"username": username,
		"iat":      now.Unix(),
		"exp":      now.Add(s.ttl).Unix(),
	})
	return token.SignedString(s.secret)
}
