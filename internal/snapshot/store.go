package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dokzlo13/hubitatd/internal/device"
	"github.com/dokzlo13/hubitatd/internal/ledger"
	"github.com/dokzlo13/hubitatd/internal/storage/kv"
)

// DefaultConcurrency bounds the per-device capture fan-out.
const DefaultConcurrency = 8

// Summary identifies one captured device.
type Summary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Store keeps device snapshots in a flow store bucket.
type Store struct {
	bucket      kv.Bucket
	devices     device.Source
	recorder    ledger.Recorder
	concurrency int
}

// Option configures a Store.
type Option func(*Store)

// WithRecorder records captures and releases in the ledger.
func WithRecorder(r ledger.Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithConcurrency bounds how many devices a capture writes in parallel.
func WithConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// NewStore creates a snapshot store over a flow bucket and a device cache.
func NewStore(bucket kv.Bucket, devices device.Source, opts ...Option) *Store {
	s := &Store{
		bucket:      bucket,
		devices:     devices,
		recorder:    ledger.Nop{},
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capture force-refreshes the device cache and stores a snapshot for every
// resolvable identifier, tagged with owner. Unknown identifiers are skipped.
// Summaries follow the order of ids. A failed write leaves that device out of
// the summaries and is reported in the joined error without stopping the others.
func (s *Store) Capture(ctx context.Context, owner string, ids []string) ([]Summary, error) {
	if err := s.devices.Refresh(ctx, true); err != nil {
		log.Warn().Err(err).Str("owner", owner).Msg("Device cache refresh failed before capture, using cached state")
	}
	devices := s.devices.Devices()

	results := make([]*Summary, len(ids))
	errs := make([]error, len(ids))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			d, ok := device.Lookup(devices, id)
			if !ok {
				log.Debug().Str("device", id).Str("owner", owner).Msg("Device not found, skipping capture")
				return nil
			}

			snap := FromDevice(d, owner)
			if err := s.Put(snap); err != nil {
				errs[i] = err
				return nil
			}

			s.recorder.Record(ledger.EventSnapshotCaptured, owner, snap.ID, snap.Map())
			results[i] = &Summary{ID: snap.ID, Name: snap.Name}
			return nil
		})
	}
	_ = g.Wait()

	summaries := make([]Summary, 0, len(ids))
	for _, r := range results {
		if r != nil {
			summaries = append(summaries, *r)
		}
	}
	return summaries, errors.Join(errs...)
}

// Put stores a snapshot under its device key.
func (s *Store) Put(snap Snapshot) error {
	if snap.ID == "" {
		return errors.New("snapshot: empty device id")
	}
	if err := s.bucket.Store(Key(snap.ID), snap.Map(), nil); err != nil {
		return fmt.Errorf("store snapshot for %s: %w", snap.ID, err)
	}
	return nil
}

// Take returns a device's snapshot without clearing it.
func (s *Store) Take(deviceID string) (*Snapshot, error) {
	v, err := s.bucket.Get(Key(device.NormalizeID(deviceID)))
	if err != nil || v == nil {
		return nil, err
	}
	return decode(v)
}

// Consume returns a device's snapshot and clears it, so it is replayed at most once.
func (s *Store) Consume(deviceID string) (*Snapshot, error) {
	v, err := s.bucket.Take(Key(device.NormalizeID(deviceID)))
	if err != nil || v == nil {
		return nil, err
	}
	return decode(v)
}

// Release clears a device's snapshot only when owner captured it.
func (s *Store) Release(deviceID, owner string) (bool, error) {
	id := device.NormalizeID(deviceID)
	released, err := s.bucket.DeleteIf(Key(id), func(v any) bool {
		snap, err := Decode(v)
		return err == nil && snap.Owner == owner
	})
	if err != nil {
		return false, err
	}
	if released {
		s.recorder.Record(ledger.EventSnapshotReleased, owner, id, nil)
	}
	return released, nil
}

// List returns every stored snapshot.
func (s *Store) List() ([]Snapshot, error) {
	keys, err := s.bucket.Keys(KeyPrefix)
	if err != nil {
		return nil, err
	}

	snaps := make([]Snapshot, 0, len(keys))
	for _, key := range keys {
		v, err := s.bucket.Get(key)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		snap, err := Decode(v)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping unreadable snapshot")
			continue
		}
		if snap.ID == "" {
			snap.ID = strings.TrimPrefix(key, KeyPrefix)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func decode(v any) (*Snapshot, error) {
	snap, err := Decode(v)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
