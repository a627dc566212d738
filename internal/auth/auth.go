// Package auth manages user accounts and session tokens.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kalambet/askd/internal/storage"
)

const (
	MinPasswordLength = 8
	DefaultSessionTTL = 30 * 24 * time.Hour
)

// dummyHash keeps failed logins for unknown users as slow as for known ones.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDuplicate          = storage.ErrDuplicate
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
)

// Store persists users and sessions. *storage.Store implements it.
type Store interface {
	CreateUser(ctx context.Context, username, passwordHash, email string) (storage.User, error)
	GetUserByUsername(ctx context.Context, username string) (storage.User, error)
	CreateSession(ctx context.Context, sess storage.Session) error
	GetSession(ctx context.Context, tokenHash string) (storage.Session, error)
	DeleteSession(ctx context.Context, tokenHash string) error
}

type Options struct {
	SessionTTL time.Duration
	// Cost is the bcrypt cost. Zero means bcrypt.DefaultCost.
	Cost   int
	Logger *slog.Logger
}

type Service struct {
	store  Store
	ttl    time.Duration
	cost   int
	logger *slog.Logger
}

func New(store Store, opts Options) *Service {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.Cost == 0 {
		opts.Cost = bcrypt.DefaultCost
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:  store,
		ttl:    opts.SessionTTL,
		cost:   opts.Cost,
		logger: opts.Logger.With("component", "auth"),
	}
}

// Register creates a user with a bcrypt hash of password.
func (s *Service) Register(ctx context.Context, username, password, email string) (storage.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return storage.User{}, errors.New("username is required")
	}
	if len(password) < MinPasswordLength {
		return storage.User{}, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return storage.User{}, fmt.Errorf("hashing password: %w", err)
	}
	u, err := s.store.CreateUser(ctx, username, string(hash), strings.TrimSpace(email))
	if err != nil {
		return storage.User{}, err
	}
	s.logger.Info("user registered", "user_id", u.ID, "username", u.Username)
	return u, nil
}

// Login checks the password and returns a new session token. Only the
// token's hash is stored.
func (s *Service) Login(ctx context.Context, username, password string) (string, storage.User, error) {
	u, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, storage.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return "", storage.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return "", storage.User{}, fmt.Errorf("loading user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", storage.User{}, ErrInvalidCredentials
	}

	token, err := newToken()
	if err != nil {
		return "", storage.User{}, err
	}
	if err := s.store.CreateSession(ctx, storage.Session{
		TokenHash: HashToken(token),
		UserID:    u.ID,
		ExpiresAt: time.Now().Add(s.ttl),
	}); err != nil {
		return "", storage.User{}, err
	}
	s.logger.Info("login successful", "user_id", u.ID)
	return token, u, nil
}

// Resolve returns the user a session token belongs to.
func (s *Service) Resolve(ctx context.Context, token string) (storage.UserID, error) {
	if token == "" {
		return "", ErrInvalidCredentials
	}
	sess, err := s.store.GetSession(ctx, HashToken(token))
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("loading session: %w", err)
	}
	return sess.UserID, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	err := s.store.DeleteSession(ctx, HashToken(token))
	if errors.Is(err, storage.ErrNotFound) {
		return ErrInvalidCredentials
	}
	return err
}

// EnsureUser returns the user named username, creating it with a random
// password when missing. Local single-user frontends act as this user.
func (s *Service) EnsureUser(ctx context.Context, username string) (storage.User, error) {
	u, err := s.store.GetUserByUsername(ctx, username)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, err
	}
	password, err := newToken()
	if err != nil {
		return storage.User{}, err
	}
	u, err = s.Register(ctx, username, password, "")
	if errors.Is(err, storage.ErrDuplicate) {
		return s.store.GetUserByUsername(ctx, username)
	}
	return u, err
}

// HashToken returns the hex sha256 of a session token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
