package cloud

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMemoryClient_CRUD(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient("src")
	c.Seed("tenant", Resource{"id": "t1", "name": "admin"})

	got, err := c.Get(ctx, "tenant", "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got["name"] = "mutated"
	again, _ := c.Get(ctx, "tenant", "t1")
	if again.Str("name") != "admin" {
		t.Errorf("Expected Get to return a copy")
	}

	created, err := c.Create(ctx, "tenant", Resource{"name": "demo"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID() == "" {
		t.Errorf("Expected generated id")
	}

	if _, err := c.Create(ctx, "tenant", Resource{"id": "t1"}); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", err)
	}

	list, err := c.List(ctx, "tenant")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("Expected 2 tenants, got %d", len(list))
	}

	if err := c.Delete(ctx, "tenant", "t1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Get(ctx, "tenant", "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if c.Calls("get", "tenant") != 3 {
		t.Errorf("Expected 3 get calls, got %d", c.Calls("get", "tenant"))
	}
}

func TestMemoryClient_FailNextAndActions(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient("src")
	c.Seed("server", Resource{"id": "s1", "status": "ACTIVE"})

	boom := errors.New("boom")
	c.FailNext("get", "server", boom)

	if _, err := c.Get(ctx, "server", "s1"); !errors.Is(err, boom) {
		t.Errorf("Expected injected error, got %v", err)
	}
	if _, err := c.Get(ctx, "server", "s1"); err != nil {
		t.Errorf("Expected injected error to be consumed, got %v", err)
	}

	if err := c.Action(ctx, "server", "s1", "stop"); err != nil {
		t.Fatalf("Action failed: %v", err)
	}
	s, _ := c.Get(ctx, "server", "s1")
	if s.Str("status") != "SHUTOFF" {
		t.Errorf("Expected SHUTOFF, got %s", s.Str("status"))
	}
	if err := c.Action(ctx, "server", "s1", "explode"); err == nil {
		t.Errorf("Expected unsupported action error")
	}
}

func TestTokenCache(t *testing.T) {
	var calls int32
	cache := NewTokenCache(func(ctx context.Context) (Token, error) {
		n := atomic.AddInt32(&calls, 1)
		return Token{Value: string(rune('a' + n - 1)), ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Get(context.Background()); err != nil {
				t.Errorf("Get failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("Expected one authentication, got %d", calls)
	}

	cache.Invalidate("stale")
	tok, _ := cache.Get(context.Background())
	if tok.Value != "a" {
		t.Errorf("Invalidating another token must keep the current one, got %q", tok.Value)
	}

	cache.Invalidate("a")
	tok, _ = cache.Get(context.Background())
	if tok.Value != "b" {
		t.Errorf("Expected renewed token b, got %q", tok.Value)
	}
}

func TestTokenCache_RenewsBeforeExpiry(t *testing.T) {
	now := time.Now()
	var calls int
	cache := NewTokenCache(func(ctx context.Context) (Token, error) {
		calls++
		return Token{Value: "tok", ExpiresAt: now.Add(10 * time.Second)}, nil
	})
	cache.now = func() time.Time { return now }

	_, _ = cache.Get(context.Background())
	_, _ = cache.Get(context.Background())

	if calls != 2 {
		t.Errorf("Expected tokens within the expiry skew to be renewed, got %d authentications", calls)
	}
}

func newTestServer(t *testing.T) (*MemoryClient, *Server, *HTTPClient) {
	t.Helper()

	backend := NewMemoryClient("dst")
	srv := NewServer(backend, Credentials{Username: "admin", Password: "secret"}, time.Hour, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := NewHTTPClient(HTTPConfig{
		Name:     "dst",
		Endpoint: ts.URL,
		Username: "admin",
		Password: "secret",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}
	return backend, srv, client
}

func TestHTTPClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	backend, srv, client := newTestServer(t)
	backend.Seed("image", Resource{"id": "i1", "name": "cirros"})

	img, err := client.Get(ctx, "image", "i1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if img.Str("name") != "cirros" {
		t.Errorf("Expected cirros, got %v", img)
	}

	created, err := client.Create(ctx, "image", Resource{"name": "ubuntu"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID() == "" {
		t.Errorf("Expected created id")
	}

	list, err := client.List(ctx, "image")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("Expected 2 images, got %d", len(list))
	}

	if err := client.Delete(ctx, "image", "i1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := client.Get(ctx, "image", "i1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := client.Create(ctx, "image", Resource{"id": created.ID()}); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", err)
	}

	if srv.Authentications() != 1 {
		t.Errorf("Expected the token to be reused, got %d authentications", srv.Authentications())
	}
}

func TestHTTPClient_ReauthenticatesOn401(t *testing.T) {
	ctx := context.Background()
	backend, srv, client := newTestServer(t)
	backend.Seed("server", Resource{"id": "s1", "status": "ACTIVE"})

	if _, err := client.Get(ctx, "server", "s1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	srv.RevokeTokens()

	if err := client.Action(ctx, "server", "s1", "stop"); err != nil {
		t.Fatalf("Action failed after token revocation: %v", err)
	}
	if srv.Authentications() != 2 {
		t.Errorf("Expected 2 authentications, got %d", srv.Authentications())
	}

	s, _ := backend.Get(ctx, "server", "s1")
	if s.Str("status") != "SHUTOFF" {
		t.Errorf("Expected SHUTOFF, got %s", s.Str("status"))
	}
}

func TestHTTPClient_BadCredentials(t *testing.T) {
	backend := NewMemoryClient("dst")
	srv := NewServer(backend, Credentials{Username: "admin", Password: "secret"}, time.Hour, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client, err := NewHTTPClient(HTTPConfig{Name: "dst", Endpoint: ts.URL, Username: "admin", Password: "wrong"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}

	if _, err := client.List(context.Background(), "tenant"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestNewHTTPClient_Validation(t *testing.T) {
	if _, err := NewHTTPClient(HTTPConfig{Endpoint: "http://localhost"}, zerolog.Nop()); err == nil {
		t.Error("Expected error for missing name")
	}
	if _, err := NewHTTPClient(HTTPConfig{Name: "x", Endpoint: "not a url"}, zerolog.Nop()); err == nil {
		t.Error("Expected error for invalid endpoint")
	}
}
