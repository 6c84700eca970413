package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vericase/deepresearch/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "sessions.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	sess := newSession("reopen", time.Now().UTC())
	require.NoError(t, s.Put(ctx, sess))
	require.NoError(t, s.Close())

	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.Migrate(ctx))

	got, err := s2.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "reopen", got.Topic)
	assert.Equal(t, int64(1), got.Revision)
}

func TestSQLiteStore_ConcurrentWritersOneWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newSession("race", time.Now().UTC())
	require.NoError(t, s.Put(ctx, sess))

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Put(ctx, next(sess, func(c *models.Session) { c.State = models.StatePlanReview }))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else {
				assert.ErrorIs(t, err, ErrConflict)
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"})
	assert.Error(t, err)

	_, err = Open(Config{Driver: "redis"})
	assert.Error(t, err, "redis needs a url")

	_, err = Open(Config{Driver: "postgres"})
	assert.Error(t, err, "postgres needs a dsn")
}

func TestNewID_Monotonic(t *testing.T) {
	a, b := NewID(), NewID()
	assert.Len(t, a, 26)
	assert.Less(t, a, b)
}
