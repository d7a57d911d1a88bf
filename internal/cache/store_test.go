package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func staticLoader(entities ...Entity) LoadFunc {
	return func(ctx context.Context) ([]Entity, error) {
		return entities, nil
	}
}

func TestStore_UnsupportedType(t *testing.T) {
	s := New(DefaultStoreConfig())

	_, err := s.Get(context.Background(), "Nope")
	if !errors.Is(err, ErrUnsupportedCacheType) {
		t.Errorf("expected ErrUnsupportedCacheType, got %v", err)
	}

	_, err = s.GetAsMap(context.Background(), "Nope")
	if !errors.Is(err, ErrUnsupportedCacheType) {
		t.Errorf("expected ErrUnsupportedCacheType, got %v", err)
	}

	if err := s.Write("Nope", nil); !errors.Is(err, ErrUnsupportedCacheType) {
		t.Errorf("expected ErrUnsupportedCacheType, got %v", err)
	}
}

func TestStore_LazyPopulation(t *testing.T) {
	var calls atomic.Int32
	s := New(DefaultStoreConfig())
	s.Register(TypeUser, func(ctx context.Context) ([]Entity, error) {
		calls.Add(1)
		return []Entity{{ID: "u1", StandardID: "user--1", Name: "alice"}}, nil
	}, KeyAllIdentifiers)

	users, err := s.Get(context.Background(), TypeUser)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(users) != 1 || users[0].Name != "alice" {
		t.Errorf("unexpected users: %v", users)
	}

	// Second read hits the cache, loader not called again
	if _, err := s.Get(context.Background(), TypeUser); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("loader called %d times, want 1", calls.Load())
	}
}

func TestStore_ConcurrentGetSingleLoad(t *testing.T) {
	var calls atomic.Int32
	s := New(StoreConfig{PollInterval: 5 * time.Millisecond})
	s.Register(TypeUser, func(ctx context.Context) ([]Entity, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond) // force overlap
		return []Entity{{ID: "u1"}}, nil
	}, KeyAllIdentifiers)

	const readers = 20
	var wg sync.WaitGroup
	errs := make(chan error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Get(context.Background(), TypeUser); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Get() error = %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("loader called %d times for %d concurrent readers, want 1", calls.Load(), readers)
	}
}

func TestStore_LoaderErrorRecovery(t *testing.T) {
	var calls atomic.Int32
	s := New(DefaultStoreConfig())
	s.Register(TypeConnector, func(ctx context.Context) ([]Entity, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("backend down")
		}
		return []Entity{{ID: "c1"}}, nil
	}, KeyAllIdentifiers)

	if _, err := s.Get(context.Background(), TypeConnector); err == nil {
		t.Fatal("expected first Get to fail")
	}

	// The in-progress flag must have been cleared: the next read retries
	// instead of deadlocking.
	conns, err := s.Get(context.Background(), TypeConnector)
	if err != nil {
		t.Fatalf("second Get() error = %v", err)
	}
	if len(conns) != 1 {
		t.Errorf("expected 1 connector, got %d", len(conns))
	}
	if calls.Load() != 2 {
		t.Errorf("loader called %d times, want 2", calls.Load())
	}
}

func TestStore_WaiterAbortsOnContextCancel(t *testing.T) {
	s := New(StoreConfig{PollInterval: 10 * time.Millisecond})
	release := make(chan struct{})
	s.Register(TypeUser, func(ctx context.Context) ([]Entity, error) {
		<-release
		return nil, nil
	}, KeyAllIdentifiers)

	// First caller blocks inside the loader.
	go s.Get(context.Background(), TypeUser)
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Get(ctx, TypeUser)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error for waiting reader, got %v", err)
	}
	close(release)
}

func TestStore_GetAsMapKeying(t *testing.T) {
	s := New(DefaultStoreConfig())
	s.Register(TypeUser, staticLoader(Entity{
		ID:           "internal-1",
		StandardID:   "user--1",
		AlternateIDs: []string{"legacy--1"},
		Name:         "alice",
	}), KeyAllIdentifiers)
	s.Register(TypeResolvedFilters, staticLoader(Entity{
		ID:         "internal-2",
		StandardID: "label--2",
	}), KeyStandardID)
	s.Register(TypePublicDashboard, staticLoader(Entity{
		ID:     "internal-3",
		URIKey: "quarterly-threats",
	}), KeyURI)

	ctx := context.Background()

	t.Run("all identifiers", func(t *testing.T) {
		m, err := s.GetAsMap(ctx, TypeUser)
		if err != nil {
			t.Fatalf("GetAsMap() error = %v", err)
		}
		for _, key := range []string{"internal-1", "user--1", "legacy--1"} {
			if _, ok := m[key]; !ok {
				t.Errorf("expected lookup under %q to succeed", key)
			}
		}
	})

	t.Run("standard id only", func(t *testing.T) {
		m, err := s.GetAsMap(ctx, TypeResolvedFilters)
		if err != nil {
			t.Fatalf("GetAsMap() error = %v", err)
		}
		if _, ok := m["label--2"]; !ok {
			t.Error("expected lookup by standard id")
		}
		if _, ok := m["internal-2"]; ok {
			t.Error("internal id must not be indexed for this slot")
		}
	})

	t.Run("uri key", func(t *testing.T) {
		m, err := s.GetAsMap(ctx, TypePublicDashboard)
		if err != nil {
			t.Fatalf("GetAsMap() error = %v", err)
		}
		if _, ok := m["quarterly-threats"]; !ok {
			t.Error("expected lookup by uri key")
		}
	})
}

func TestStore_Write(t *testing.T) {
	var calls atomic.Int32
	s := New(DefaultStoreConfig())
	s.Register(TypeTrigger, func(ctx context.Context) ([]Entity, error) {
		calls.Add(1)
		return nil, nil
	}, KeyAllIdentifiers)

	if err := s.Write(TypeTrigger, []Entity{{ID: "t1"}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	// Slot is populated out of band; the loader is never invoked.
	triggers, err := s.Get(context.Background(), TypeTrigger)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(triggers) != 1 || triggers[0].ID != "t1" {
		t.Errorf("unexpected triggers: %v", triggers)
	}
	if calls.Load() != 0 {
		t.Errorf("loader called %d times after Write, want 0", calls.Load())
	}
}

func TestStore_DynamicUpdate(t *testing.T) {
	s := New(DefaultStoreConfig())
	s.Register(TypeResolvedFilters, staticLoader(Entity{
		StandardID:     "label--1",
		Representative: "old-name",
	}), KeyStandardID)

	ctx := context.Background()

	t.Run("no-op before population", func(t *testing.T) {
		s.DynamicUpdate(Entity{StandardID: "label--1", Representative: "ignored"})
		m, err := s.GetAsMap(ctx, TypeResolvedFilters)
		if err != nil {
			t.Fatalf("GetAsMap() error = %v", err)
		}
		if m["label--1"].Representative != "old-name" {
			t.Errorf("update before population must not apply, got %q", m["label--1"].Representative)
		}
	})

	t.Run("in-place overwrite when present", func(t *testing.T) {
		s.DynamicUpdate(Entity{StandardID: "label--1", Representative: "new-name"})
		m, _ := s.GetAsMap(ctx, TypeResolvedFilters)
		if m["label--1"].Representative != "new-name" {
			t.Errorf("expected in-place update, got %q", m["label--1"].Representative)
		}
		list, _ := s.Get(ctx, TypeResolvedFilters)
		if list[0].Representative != "new-name" {
			t.Errorf("list view not updated, got %q", list[0].Representative)
		}
	})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		s.DynamicUpdate(Entity{StandardID: "label--404", Representative: "x"})
		m, _ := s.GetAsMap(ctx, TypeResolvedFilters)
		if _, ok := m["label--404"]; ok {
			t.Error("unknown id must not be inserted")
		}
	})
}

func TestStore_Stats(t *testing.T) {
	s := New(DefaultStoreConfig())
	s.Register(TypeUser, staticLoader(Entity{ID: "u1"}), KeyAllIdentifiers)
	s.Register(TypeRole, staticLoader(Entity{ID: "r1"}), KeyAllIdentifiers)

	if _, err := s.Get(context.Background(), TypeUser); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	stats := s.Stats()
	if stats["slot_count"].(int) != 2 {
		t.Errorf("slot_count = %v, want 2", stats["slot_count"])
	}
	if stats["populated_count"].(int) != 1 {
		t.Errorf("populated_count = %v, want 1", stats["populated_count"])
	}
}
