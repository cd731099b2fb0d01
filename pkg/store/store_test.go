package store

import (
	"context"
	"errors"
	"fmt"
	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"sync"
	"testing"
	"time"
)

func testConfig(dir string) config.DB {
	cfg := config.Default().DB
	cfg.DataDir = dir
	cfg.WAL.DrainInterval = 5 * time.Millisecond
	cfg.Memtable.FlushRetryBackoff = time.Millisecond
	return cfg
}

func newTestStore(t testing.TB, cfg config.DB, opts ...Option) *Store {
	t.Helper()
	store, err := Open(cfg, opts...)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_PutString_GetString(t *testing.T) {
	store := newTestStore(t, testConfig(t.TempDir()))
	ctx := context.Background()

	err := store.PutString(ctx, "key1", "value1")
	if err != nil {
		t.Fatalf("PutString failed: %v", err)
	}

	value, found, err := store.GetString(ctx, "key1")
	if err != nil {
		t.Fatalf("GetString failed: %v", err)
	}
	if !found {
		t.Fatal("Expected to find key1")
	}
	if value != "value1" {
		t.Fatalf("Expected 'value1', got '%s'", value)
	}
}

func TestStore_DeleteString(t *testing.T) {
	store := newTestStore(t, testConfig(t.TempDir()))
	ctx := context.Background()

	if err := store.PutString(ctx, "key1", "value1"); err != nil {
		t.Fatalf("PutString failed: %v", err)
	}

	value, found, err := store.GetString(ctx, "key1")
	if err != nil {
		t.Fatalf("GetString failed: %v", err)
	}
	if !found || value != "value1" {
		t.Fatal("Expected to find key1 with value1")
	}

	if err := store.DeleteString(ctx, "key1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	value, found, err = store.GetString(ctx, "key1")
	if err != nil {
		t.Fatalf("GetString after delete failed: %v", err)
	}
	if found {
		t.Fatalf("Expected key1 to be deleted, but found value: %s", value)
	}
}

func TestStore_Overwrite(t *testing.T) {
	store := newTestStore(t, testConfig(t.TempDir()))
	ctx := context.Background()

	if err := store.PutString(ctx, "key1", "value1"); err != nil {
		t.Fatalf("PutString failed: %v", err)
	}
	if err := store.PutString(ctx, "key1", "value2"); err != nil {
		t.Fatalf("PutString overwrite failed: %v", err)
	}

	value, found, err := store.GetString(ctx, "key1")
	if err != nil {
		t.Fatalf("GetString failed: %v", err)
	}
	if !found {
		t.Fatal("Expected to find key1")
	}
	if value != "value2" {
		t.Fatalf("Expected 'value2', got '%s'", value)
	}
}

func TestStore_NonExistentKey(t *testing.T) {
	store := newTestStore(t, testConfig(t.TempDir()))

	_, found, err := store.GetString(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("GetString failed: %v", err)
	}
	if found {
		t.Fatal("Expected key to not exist")
	}
}

func TestStore_EmptyKey(t *testing.T) {
	store := newTestStore(t, testConfig(t.TempDir()))
	ctx := context.Background()

	if err := store.Put(ctx, nil, []byte("v")); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("Expected ErrInvalidArgument, got %v", err)
	}
	if _, _, err := store.Get(ctx, []byte{}); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("Expected ErrInvalidArgument, got %v", err)
	}
}

func TestStore_Closed(t *testing.T) {
	store, err := Open(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ctx := context.Background()
	if err := store.PutString(ctx, "k", "v"); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("Expected ErrClosed from Put, got %v", err)
	}
	if _, _, err := store.GetString(ctx, "k"); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("Expected ErrClosed from Get, got %v", err)
	}
	if err := store.Close(); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("Expected ErrClosed from second Close, got %v", err)
	}
}

// TestDataPersistence tests data persistence across restarts
func TestDataPersistence(t *testing.T) {
	tempDir := t.TempDir()
	ctx := context.Background()

	store1, err := Open(testConfig(tempDir))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store1.PutString(ctx, "persistent_key", "persistent_value"); err != nil {
		t.Fatalf("PutString failed: %v", err)
	}
	if err := store1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	store2 := newTestStore(t, testConfig(tempDir))

	value, found, err := store2.GetString(ctx, "persistent_key")
	if err != nil {
		t.Fatalf("GetString failed: %v", err)
	}
	if !found {
		t.Fatal("Persistent key not found after restart")
	}
	if value != "persistent_value" {
		t.Fatalf("Expected persistent_value, got %s", value)
	}
}

// TestConcurrentConsistency tests consistency under concurrent access
func TestConcurrentConsistency(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Memtable.MaxSizeBytes = 4 << 10
	store := newTestStore(t, cfg)
	ctx := context.Background()

	const writers, perWriter = 10, 100
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("concurrent_key_%d_%d", id, i)
				for {
					err := store.PutString(ctx, key, fmt.Sprintf("value_%d_%d", id, i))
					if err == nil {
						break
					}
					if !Retriable(err) {
						t.Errorf("PutString failed: %v", err)
						return
					}
					time.Sleep(time.Millisecond)
				}
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			key := fmt.Sprintf("concurrent_key_%d_%d", w, i)
			expected := fmt.Sprintf("value_%d_%d", w, i)

			value, found, err := store.GetString(ctx, key)
			if err != nil {
				t.Fatalf("GetString failed for key %s: %v", key, err)
			}
			if !found {
				t.Fatalf("Key %s not found", key)
			}
			if value != expected {
				t.Fatalf("Expected %s, got %s for key %s", expected, value, key)
			}
		}
	}
}

func TestStore_Scan(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Memtable.MaxSizeBytes = 256
	store := newTestStore(t, cfg)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := store.PutString(ctx, fmt.Sprintf("key-%02d", i), "v1"); err != nil {
			t.Fatalf("PutString failed: %v", err)
		}
	}
	waitFlushed(t, store)

	// newer versions and deletes in the memtable shadow the segments
	if err := store.PutString(ctx, "key-03", "v2"); err != nil {
		t.Fatalf("PutString failed: %v", err)
	}
	for _, k := range []string{"key-04", "key-05"} {
		if err := store.DeleteString(ctx, k); err != nil {
			t.Fatalf("DeleteString failed: %v", err)
		}
	}

	var got []string
	err := store.Scan(ctx, []byte("key-02"), func(k, v []byte) bool {
		got = append(got, string(k)+"="+string(v))
		return len(got) < 4
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	want := []string{"key-02=v1", "key-03=v2", "key-06=v1", "key-07=v1"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
}

func waitFlushed(t *testing.T, store *Store) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for store.Stats().Flushing || store.Stats().Segments == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("flush did not complete: %+v", store.Stats())
		}
		time.Sleep(time.Millisecond)
	}
}
