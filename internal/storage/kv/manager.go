package kv

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FlowBucketName returns the name of the shared store of a flow.
func FlowBucketName(flow string) string {
	return "flow:" + flow
}

// Manager hands out buckets and expires their entries in the background.
type Manager struct {
	db *sql.DB

	mu      sync.Mutex
	buckets map[string]Bucket

	stopCleanup context.CancelFunc
	cleanupDone chan struct{}
}

// NewManager creates a manager. With a nil db every bucket is in-memory.
func NewManager(db *sql.DB) *Manager {
	return &Manager{
		db:      db,
		buckets: make(map[string]Bucket),
	}
}

// Bucket returns a bucket by name, creating it on first use.
func (m *Manager) Bucket(name string, persistent bool) Bucket {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bucket, ok := m.buckets[name]; ok {
		return bucket
	}

	var bucket Bucket
	switch {
	case persistent && m.db != nil:
		bucket = NewSQLiteBucket(m.db, name)
	case persistent:
		log.Warn().Str("bucket", name).Msg("No database configured, persistent bucket falls back to memory")
		bucket = NewMemoryBucket(name)
	default:
		bucket = NewMemoryBucket(name)
	}

	m.buckets[name] = bucket
	log.Debug().Str("bucket", name).Bool("persistent", bucket.IsPersistent()).Msg("Created KV bucket")
	return bucket
}

// FlowBucket returns the shared store of a flow.
func (m *Manager) FlowBucket(flow string, persistent bool) Bucket {
	return m.Bucket(FlowBucketName(flow), persistent)
}

// Reset clears a bucket, including persisted rows that were never opened in this process.
func (m *Manager) Reset(name string) (int64, error) {
	m.mu.Lock()
	bucket, ok := m.buckets[name]
	m.mu.Unlock()

	if ok && !bucket.IsPersistent() {
		if err := bucket.Clear(); err != nil {
			return 0, err
		}
	}
	if m.db == nil {
		return 0, nil
	}

	result, err := m.db.Exec(`DELETE FROM kv_store WHERE bucket = ?`, name)
	if err != nil {
		return 0, fmt.Errorf("failed to reset bucket %q: %w", name, err)
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		log.Info().Str("bucket", name).Int64("keys_deleted", affected).Msg("Reset KV bucket")
	}
	return affected, nil
}

// StartCleanup periodically removes expired entries until ctx is done or StopCleanup is called.
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.stopCleanup = cancel
	m.cleanupDone = make(chan struct{})

	go func() {
		defer close(m.cleanupDone)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.cleanup()
			}
		}
	}()

	log.Debug().Dur("interval", interval).Msg("Started KV cleanup")
}

// StopCleanup stops the cleanup goroutine and waits for it.
func (m *Manager) StopCleanup() {
	if m.stopCleanup == nil {
		return
	}
	m.stopCleanup()
	<-m.cleanupDone
	log.Debug().Msg("Stopped KV cleanup")
}

func (m *Manager) cleanup() {
	if m.db != nil {
		count, err := CleanupExpired(m.db)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to cleanup expired KV entries")
		} else if count > 0 {
			log.Debug().Int64("count", count).Msg("Cleaned up expired KV entries")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, bucket := range m.buckets {
		if mb, ok := bucket.(*MemoryBucket); ok {
			if n := mb.CleanupExpired(); n > 0 {
				log.Debug().Str("bucket", mb.Name()).Int("count", n).Msg("Cleaned up expired KV entries")
			}
		}
	}
}
