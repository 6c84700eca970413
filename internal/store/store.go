package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vericase/deepresearch/internal/models"
)

var (
	// ErrNotFound is returned when no session has the requested id.
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned when a Put's revision does not follow the stored one.
	ErrConflict = errors.New("session revision conflict")
)

// Store is the durable owner of research sessions.
//
// Put is a compare-and-swap: s.Revision must be exactly one more than the
// stored revision (1 for a new session). Every successful Put also appends an
// immutable snapshot keyed by (id, revision) for audit.
type Store interface {
	Put(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	ListByScope(ctx context.Context, scope models.Scope) ([]models.SessionSummary, error)
	ListActive(ctx context.Context) ([]*models.Session, error)
	History(ctx context.Context, id string) ([]models.Snapshot, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Config selects a backend.
type Config struct {
	Driver      string // sqlite, redis, or postgres
	SQLitePath  string
	RedisURL    string
	PostgresDSN string
}

// Open builds the configured backend. The caller runs Migrate.
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	case "redis":
		return NewRedisStore(cfg.RedisURL)
	case "postgres":
		return NewPostgresStore(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q (expected sqlite, redis, or postgres)", cfg.Driver)
	}
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID generates a new ULID string.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func prepare(s *models.Session) error {
	if s.Revision < 1 {
		return fmt.Errorf("invalid revision %d", s.Revision)
	}
	if s.ID == "" {
		if s.Revision != 1 {
			return fmt.Errorf("session id required for revision %d", s.Revision)
		}
		s.ID = NewID()
	}
	return nil
}

func encode(s *models.Session) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*models.Session, error) {
	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func conflict(id string, rev int64) error {
	return fmt.Errorf("%w: %s at revision %d", ErrConflict, id, rev)
}
