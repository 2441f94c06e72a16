package test

import (
	"codeshare/pkg/domain"
	"codeshare/pkg/shortcode"
	"codeshare/svc/auth"
	"codeshare/svc/db"
	"codeshare/svc/svc"
	"codeshare/svc/util"
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func TestConcurrentCreatesGetDistinctCodes(t *testing.T) {
	c := createTestConfig(t)
	store := createTestDB(t)
	pasteSvc := createTestService(t, c, store)

	ctx := context.Background()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = make(map[string]int)
		fails int64
	)
	const n = 200
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			paste, _, err := pasteSvc.Create(ctx, domain.CreateParams{
				Title:    fmt.Sprintf("paste %d", idx),
				Content:  "concurrent content",
				Language: "go",
				IsPublic: true,
			})
			if err != nil {
				atomic.AddInt64(&fails, 1)
				t.Logf("create %d failed: %v", idx, err)
				return
			}
			mu.Lock()
			codes[paste.ShortCode]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if fails > 0 {
		t.Fatalf("%d of %d concurrent creates failed", fails, n)
	}
	if len(codes) != n {
		t.Fatalf("got %d distinct codes for %d pastes", len(codes), n)
	}
	for code, count := range codes {
		if count != 1 {
			t.Errorf("code %s handed out %d times", code, count)
		}
		if _, err := store.SelectByShortCode(ctx, code); err != nil {
			t.Errorf("code %s not readable: %v", code, err)
		}
	}
}

func TestConcurrentOwnerDeleteSamePaste(t *testing.T) {
	c := createTestConfig(t)
	pasteSvc := createTestService(t, c, createTestDB(t))

	ctx := context.Background()
	paste, _, err := pasteSvc.Create(ctx, domain.CreateParams{Content: "delete me", Language: "text", IsPublic: true, OwnerID: strPtr("alice")})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var deletedCount, errorCount int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deleted, err := pasteSvc.Delete(ctx, paste.ShortCode, "alice")
			if err != nil {
				if atomic.AddInt64(&errorCount, 1) == 1 {
					t.Logf("Deletion error: %v", err)
				}
				return
			}
			if deleted {
				atomic.AddInt64(&deletedCount, 1)
			}
		}()
	}
	wg.Wait()

	if errorCount != 0 {
		t.Errorf("%d deletions returned errors", errorCount)
	}
	if deletedCount != 1 {
		t.Errorf("paste deleted %d times, want exactly once", deletedCount)
	}
}

func TestConcurrentTokenDeleteSamePaste(t *testing.T) {
	c := createTestConfig(t)
	pasteSvc := createTestService(t, c, createTestDB(t))

	ctx := context.Background()
	paste, token, err := pasteSvc.Create(ctx, domain.CreateParams{Content: "anon", Language: "text", IsPublic: true})
	if err != nil {
		t.Fatal(err)
	}
	if token == "" {
		t.Fatal("anonymous create returned no edit token")
	}

	var wg sync.WaitGroup
	var deletedCount int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deleted, err := pasteSvc.DeleteWithToken(ctx, paste.ShortCode, token)
			if err != nil {
				t.Logf("token delete error: %v", err)
				return
			}
			if deleted {
				atomic.AddInt64(&deletedCount, 1)
			}
		}()
	}
	wg.Wait()

	if deletedCount != 1 {
		t.Errorf("paste deleted %d times, want exactly once", deletedCount)
	}
}

func TestConcurrentReadWrite(t *testing.T) {
	c := createTestConfig(t)
	pasteSvc := createTestService(t, c, createTestDB(t))

	ctx := context.Background()
	paste, _, err := pasteSvc.Create(ctx, domain.CreateParams{Content: "initial", Language: "text", IsPublic: true})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var readErrors int64
	stopChan := make(chan struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			viewer := domain.Viewer{IP: fmt.Sprintf("203.0.113.%d", idx)}
			for {
				select {
				case <-stopChan:
					return
				default:
					if _, err := pasteSvc.GetByShortCode(ctx, paste.ShortCode, viewer); err != nil {
						atomic.AddInt64(&readErrors, 1)
					}
				}
			}
		}(i)
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stopChan:
					return
				default:
					_, _, _ = pasteSvc.Create(ctx, domain.CreateParams{Content: "concurrent write", Language: "text", IsPublic: true})
				}
			}
		}()
	}

	time.Sleep(1 * time.Second)
	close(stopChan)
	wg.Wait()

	if readErrors > 0 {
		t.Errorf("%d reads failed while writers were running", readErrors)
	}
}

func TestViewCountsSurviveShutdownDrain(t *testing.T) {
	c := createTestConfig(t)
	store := createTestDB(t)
	pasteSvc := createTestService(t, c, store)

	ctx := context.Background()
	paste, _, err := pasteSvc.Create(ctx, domain.CreateParams{Content: "count me", Language: "text", IsPublic: true})
	if err != nil {
		t.Fatal(err)
	}

	const reads = 100
	var wg sync.WaitGroup
	for i := 0; i < reads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pasteSvc.GetByShortCode(ctx, paste.ShortCode, domain.Viewer{IP: "198.51.100.7"}); err != nil {
				t.Errorf("read failed: %v", err)
			}
		}()
	}
	wg.Wait()
	pasteSvc.Shutdown()

	stored, err := store.SelectByShortCode(ctx, paste.ShortCode)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ViewCount != reads {
		t.Errorf("view count = %d, want %d", stored.ViewCount, reads)
	}
}

func TestGoroutineLeak(t *testing.T) {
	c := createTestConfig(t)
	runtime.GC()
	time.Sleep(100 * time.Millisecond)
	baseline := runtime.NumGoroutine()

	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "leak.db"))
	if err != nil {
		t.Fatal(err)
	}
	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, []byte(c.Pepper.Value()))
	if err != nil {
		t.Fatal(err)
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		t.Fatal(err)
	}
	ipHasher, err := util.NewIPHasher([]byte(c.Pepper.Value()), c.IPHashRotationInterval)
	if err != nil {
		t.Fatal(err)
	}
	pasteSvc := svc.NewPaste(store, shortcode.New(), c, svc.WithTokenHasher(hasher), svc.WithIPHasher(ipHasher))

	ctx, cancel := context.WithCancel(context.Background())
	purgerDone := make(chan error, 1)
	go func() { purgerDone <- pasteSvc.RunPurger(ctx, time.Hour) }()

	for i := 0; i < 100; i++ {
		paste, _, err := pasteSvc.Create(ctx, domain.CreateParams{Content: "leak test", Language: "text", IsPublic: true})
		if err == nil {
			_, _ = pasteSvc.GetByShortCode(ctx, paste.ShortCode, domain.Viewer{IP: "192.0.2.1"})
		}
	}

	cancel()
	if err := <-purgerDone; err != nil {
		t.Errorf("purger returned %v", err)
	}
	pasteSvc.Shutdown()
	hasher.Stop()
	ipHasher.Stop()
	store.Close()

	runtime.GC()
	time.Sleep(500 * time.Millisecond)
	final := runtime.NumGoroutine()
	growth := final - baseline
	t.Logf("Goroutine count: baseline=%d, final=%d, growth=%d", baseline, final, growth)
	if growth > 10 {
		t.Errorf("Possible goroutine leak: %d goroutines not cleaned up", growth)
	}
}

func TestDeadlockAvoidance(t *testing.T) {
	c := createTestConfig(t)
	pasteSvc := createTestService(t, c, createTestDB(t))

	ctx := context.Background()
	var codes []string
	for i := 0; i < 10; i++ {
		paste, _, err := pasteSvc.Create(ctx, domain.CreateParams{Content: "deadlock test", Language: "text", IsPublic: true, OwnerID: strPtr("owner")})
		if err != nil {
			t.Fatal(err)
		}
		codes = append(codes, paste.ShortCode)
	}

	var wg sync.WaitGroup
	done := make(chan struct{})
	title := "renamed"
	for _, code := range codes {
		for j := 0; j < 10; j++ {
			wg.Add(4)
			go func(code string) {
				defer wg.Done()
				_, _ = pasteSvc.GetByShortCode(ctx, code, domain.Viewer{})
			}(code)
			go func(code string) {
				defer wg.Done()
				_, _ = pasteSvc.Update(ctx, code, "owner", domain.Patch{Title: &title})
			}(code)
			go func(code string) {
				defer wg.Done()
				_, _ = pasteSvc.Delete(ctx, code, "owner")
			}(code)
			go func() {
				defer wg.Done()
				_, _, _ = pasteSvc.Create(ctx, domain.CreateParams{Content: "new", Language: "text", IsPublic: true})
			}()
		}
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-time.After(30 * time.Second):
		t.Fatal("Deadlock detected - operations didn't complete in 30s")
	case <-done:
	}
}
