package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/kotori-audio/kotori/pkg/models"
)

// DefaultTTL is how long a loaded vocabulary stays fresh, measured from the
// last successful refresh.
const DefaultTTL = 15 * time.Minute

// Loader fetches the full tag-type vocabulary from the store in one round
// trip, ordered by name.
type Loader interface {
	TagTypes(ctx context.Context) ([]models.TagType, error)
}

type snapshot struct {
	types       []models.TagType
	byName      map[string]uint
	refreshedAt time.Time
}

// Catalog caches the valid tag-type set. It is safe for concurrent use:
// overlapping refreshes may both hit the store, the last one to finish wins,
// and callers never see a partially-built snapshot. While a refresh fails,
// callers keep getting the previous snapshot; a load failure only propagates
// when no snapshot exists yet.
type Catalog struct {
	loader Loader
	ttl    time.Duration
	now    func() time.Time

	mu   sync.RWMutex
	snap *snapshot
}

type Option func(*Catalog)

func WithTTL(ttl time.Duration) Option {
	return func(c *Catalog) {
		c.ttl = ttl
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) {
		c.now = now
	}
}

func New(loader Loader, opts ...Option) *Catalog {
	c := &Catalog{
		loader: loader,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Catalog) current() *snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

func (c *Catalog) fresh() (*snapshot, bool) {
	snap := c.current()
	if snap == nil {
		return nil, false
	}
	return snap, c.now().Sub(snap.refreshedAt) < c.ttl
}

// refresh reloads the vocabulary. The load runs outside the lock so
// concurrent requests are never serialized behind a slow store; the fully
// built snapshot is installed in one assignment.
func (c *Catalog) refresh(ctx context.Context) (*snapshot, error) {
	types, err := c.loader.TagTypes(ctx)
	if err != nil {
		if prev := c.current(); prev != nil {
			return prev, nil
		}
		return nil, err
	}

	byName := make(map[string]uint, len(types))
	for _, t := range types {
		byName[t.Name] = t.ID
	}
	snap := &snapshot{types: types, byName: byName, refreshedAt: c.now()}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	return snap, nil
}

func (c *Catalog) get(ctx context.Context) (*snapshot, error) {
	if snap, ok := c.fresh(); ok {
		return snap, nil
	}
	return c.refresh(ctx)
}

// Types returns the valid tag types ordered by name. Callers must not
// mutate the returned slice.
func (c *Catalog) Types(ctx context.Context) ([]models.TagType, error) {
	snap, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	return snap.types, nil
}

// Lookup returns the name-to-id map of the valid vocabulary. Callers must
// not mutate the returned map.
func (c *Catalog) Lookup(ctx context.Context) (map[string]uint, error) {
	snap, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	return snap.byName, nil
}

// Names returns the valid tag names ordered by name.
func (c *Catalog) Names(ctx context.Context) ([]string, error) {
	snap, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(snap.types))
	for _, t := range snap.types {
		names = append(names, t.Name)
	}
	return names, nil
}
