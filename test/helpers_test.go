package test

import (
	"codeshare/cfg"
	"codeshare/pkg/shortcode"
	"codeshare/svc/api"
	"codeshare/svc/auth"
	"codeshare/svc/db"
	"codeshare/svc/lim"
	"codeshare/svc/svc"
	"codeshare/svc/util"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"
)

var (
	envLoadOnce sync.Once
	envLoadErr  error
)

func loadTestEnv() error {
	envLoadOnce.Do(func() {
		paths := []string{
			".env.test",
			"../.env.test",
			"../../.env.test",
		}
		for _, p := range paths {
			if absPath, err := filepath.Abs(p); err == nil {
				if _, err := os.Stat(absPath); err == nil {
					envLoadErr = godotenv.Load(absPath)
					if envLoadErr == nil {
						return
					}
				}
			}
		}
		if os.Getenv("PEPPER") == "" {
			os.Setenv("PEPPER", "0123456789ABCDEF0123456789ABCDEF")
		}
		if os.Getenv("JWT_SECRET") == "" {
			os.Setenv("JWT_SECRET", "test-jwt-secret-0123456789abcdef0123")
		}
	})
	return envLoadErr
}

func createTestConfig(t *testing.T) *cfg.Cfg {
	t.Helper()
	if err := loadTestEnv(); err != nil {
		t.Logf("loading .env.test: %v", err)
	}
	c, err := cfg.Load()
	if err != nil {
		t.Fatalf("cfg.Load() failed: %v", err)
	}
	c.Port = "0"
	c.Environment = "test"
	c.LogLevel = "error"
	c.RateLimit = cfg.RateLimitCfg{
		CreatePerMinute: 100000,
		ReadPerMinute:   100000,
		WritePerMinute:  100000,
		Burst:           10000,
	}
	c.TrustedProxies = nil
	util.InitLog(c.LogLevel, false)
	return c
}

func createTestDB(t *testing.T) *db.SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "codeshare_test.db")
	sqlDB, err := db.NewSQLiteWithConfig(path, 10, 5, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return sqlDB
}

func createTestHasher(t *testing.T, c *cfg.Cfg) *auth.Hasher {
	t.Helper()
	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, []byte(c.Pepper.Value()))
	if err != nil {
		t.Fatal(err)
	}
	hasher.SetMinVerifyDuration(0)
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(hasher.Stop)
	return hasher
}

func createTestIPHasher(t *testing.T, c *cfg.Cfg) *util.IPHasher {
	t.Helper()
	h, err := util.NewIPHasher([]byte(c.Pepper.Value()), c.IPHashRotationInterval)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Stop)
	return h
}

// createTestService wires the paste service the way the server does, with
// real argon2 and IP hashing.
func createTestService(t *testing.T, c *cfg.Cfg, store svc.Store) *svc.Paste {
	t.Helper()
	p := svc.NewPaste(store, shortcode.New(), c,
		svc.WithTokenHasher(createTestHasher(t, c)),
		svc.WithIPHasher(createTestIPHasher(t, c)),
	)
	t.Cleanup(p.Shutdown)
	return p
}

type testServer struct {
	*httptest.Server
	tokens *auth.Tokens
	paste  *svc.Paste
}

func setupTestServer(t *testing.T, c *cfg.Cfg) *testServer {
	t.Helper()
	store := createTestDB(t)
	p := createTestService(t, c, store)
	limiter := lim.New(c.RateLimit, nil, c.TrustedProxies)
	t.Cleanup(limiter.Stop)
	tokens, err := auth.NewTokens([]byte(c.JWTSecret.Value()))
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(api.NewServer(c, p, limiter, tokens, store, nil))
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, tokens: tokens, paste: p}
}

func (s *testServer) bearer(t *testing.T, user string) string {
	t.Helper()
	tok, err := s.tokens.Issue(user, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + tok
}
