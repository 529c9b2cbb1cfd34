package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestSQLite(t *testing.T, path string) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestSQLiteStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage {
		return openTestSQLite(t, filepath.Join(t.TempDir(), "pushrelay.db"))
	})
}

func TestSQLiteMigrateIsRepeatable(t *testing.T) {
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "pushrelay.db"))
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

// Two stores on one file stand in for two worker processes.
func TestSQLiteConcurrentClaimersNeverShareJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pushrelay.db")
	a := openTestSQLite(t, path)
	b := openTestSQLite(t, path)

	const total = 40
	for i := int64(0); i < total; i++ {
		mustCreate(t, a, newJob("race", i, 7, "p", base))
	}

	var mu sync.Mutex
	claimedBy := map[int64]string{}
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	claim := func(s *SQLiteStorage, owner string) {
		defer wg.Done()
		for {
			jobs, err := s.ClaimJobs(context.Background(), owner, 3, time.Minute, base)
			if err != nil {
				errs <- err
				return
			}
			if len(jobs) == 0 {
				return
			}
			mu.Lock()
			for _, j := range jobs {
				if prev, ok := claimedBy[j.ID]; ok {
					mu.Unlock()
					t.Errorf("job %d claimed by %s and %s", j.ID, prev, owner)
					return
				}
				claimedBy[j.ID] = owner
			}
			mu.Unlock()
		}
	}
	wg.Add(2)
	go claim(a, "worker-a")
	go claim(b, "worker-b")
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("claim: %v", err)
	}
	if len(claimedBy) != total {
		t.Fatalf("claimed %d jobs, want %d", len(claimedBy), total)
	}
}
