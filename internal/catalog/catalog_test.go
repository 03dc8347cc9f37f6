package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kotori-audio/kotori/pkg/models"
)

// fakeLoader counts loads and can be told to fail.
type fakeLoader struct {
	mu    sync.Mutex
	types []models.TagType
	err   error
	loads int
}

func (f *fakeLoader) TagTypes(_ context.Context) ([]models.TagType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	return f.types, nil
}

func (f *fakeLoader) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

func (f *fakeLoader) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{types: []models.TagType{
		{ID: 3, Name: "album"},
		{ID: 1, Name: "artist"},
		{ID: 2, Name: "title"},
	}}
}

func TestTypesCachedWithinTTL(t *testing.T) {
	loader := newFakeLoader()
	c := New(loader)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		types, err := c.Types(ctx)
		if err != nil {
			t.Fatalf("Types failed: %v", err)
		}
		if len(types) != 3 {
			t.Fatalf("Expected 3 types, got %d", len(types))
		}
	}

	if loader.loadCount() != 1 {
		t.Errorf("Expected a single load within the TTL window, got %d", loader.loadCount())
	}
}

func TestRefreshAfterTTL(t *testing.T) {
	loader := newFakeLoader()
	now := time.Now()
	c := New(loader, WithTTL(15*time.Minute), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := c.Types(ctx); err != nil {
		t.Fatalf("Types failed: %v", err)
	}

	now = now.Add(14 * time.Minute)
	if _, err := c.Types(ctx); err != nil {
		t.Fatalf("Types failed: %v", err)
	}
	if loader.loadCount() != 1 {
		t.Fatalf("Expected cache hit before TTL expiry, got %d loads", loader.loadCount())
	}

	now = now.Add(2 * time.Minute)
	if _, err := c.Types(ctx); err != nil {
		t.Fatalf("Types failed: %v", err)
	}
	if loader.loadCount() != 2 {
		t.Errorf("Expected reload after TTL expiry, got %d loads", loader.loadCount())
	}
}

func TestStaleValueServedOnRefreshFailure(t *testing.T) {
	loader := newFakeLoader()
	now := time.Now()
	c := New(loader, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := c.Types(ctx); err != nil {
		t.Fatalf("Types failed: %v", err)
	}

	loader.setError(errors.New("store down"))
	now = now.Add(DefaultTTL + time.Minute)

	types, err := c.Types(ctx)
	if err != nil {
		t.Fatalf("Expected stale value when refresh fails, got error: %v", err)
	}
	if len(types) != 3 {
		t.Errorf("Expected stale 3 types, got %d", len(types))
	}
}

func TestLoadFailureWithoutPriorCache(t *testing.T) {
	loader := newFakeLoader()
	loader.setError(errors.New("store down"))
	c := New(loader)

	if _, err := c.Types(context.Background()); err == nil {
		t.Fatal("Expected error when no prior cache exists")
	}
}

func TestLookupAndNames(t *testing.T) {
	c := New(newFakeLoader())
	ctx := context.Background()

	byName, err := c.Lookup(ctx)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if byName["artist"] != 1 || byName["title"] != 2 {
		t.Errorf("Unexpected lookup map: %v", byName)
	}

	names, err := c.Names(ctx)
	if err != nil {
		t.Fatalf("Names failed: %v", err)
	}
	want := []string{"album", "artist", "title"}
	if len(names) != len(want) {
		t.Fatalf("Expected %d names, got %d", len(want), len(names))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Name %d: expected %q, got %q", i, want[i], names[i])
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	loader := newFakeLoader()
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := New(loader, WithClock(clock))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := c.Types(context.Background()); err != nil {
					t.Errorf("Types failed: %v", err)
					return
				}
				mu.Lock()
				now = now.Add(time.Minute)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}
