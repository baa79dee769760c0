package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	verrors "github.com/porthorian/vaultagent/pkg/errors"
	"github.com/porthorian/vaultagent/pkg/store"
)

type fakePool struct {
	mu          sync.Mutex
	username    string
	validateErr error
	closed      bool
}

func (p *fakePool) Validate(ctx context.Context, probe string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.validateErr
}

func (p *fakePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("already closed")
	}
	p.closed = true
	return nil
}

func (p *fakePool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeFactory struct {
	mu          sync.Mutex
	builds      int
	buildErr    error
	validateErr error
	pools       []*fakePool
}

func (f *fakeFactory) Build(ctx context.Context, cred store.Credential) (Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.builds++
	if f.buildErr != nil {
		return nil, f.buildErr
	}

	p := &fakePool{username: cred.Username, validateErr: f.validateErr}
	f.pools = append(f.pools, p)
	return p, nil
}

func (f *fakeFactory) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

func testCredential(n int, lease time.Duration) store.Credential {
	return store.Credential{
		LeaseID:       fmt.Sprintf("lease-%d", n),
		Username:      fmt.Sprintf("user-%d", n),
		Password:      "pass",
		IssuedAt:      time.Now(),
		LeaseDuration: lease,
	}
}

func newTestCoordinator(t *testing.T, factory Factory, refresh RefreshFunc) *Coordinator {
	t.Helper()

	c, err := NewCoordinator(Config{
		Factory: factory,
		Logger:  logr.Discard(),
		Refresh: refresh,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func TestNewCoordinatorValidation(t *testing.T) {
	if _, err := NewCoordinator(Config{}); !verrors.IsCode(err, verrors.CodeInvalidConfig) {
		t.Fatalf("expected invalid_config for missing factory, got %v", err)
	}
	if _, err := NewCoordinator(Config{Factory: &fakeFactory{}, RefreshBuffer: 1.5}); !verrors.IsCode(err, verrors.CodeInvalidConfig) {
		t.Fatalf("expected invalid_config for out-of-range buffer, got %v", err)
	}
}

func TestAdoptInstallsActiveHandle(t *testing.T) {
	factory := &fakeFactory{}
	c := newTestCoordinator(t, factory, nil)

	if c.CurrentHandle() != nil {
		t.Fatal("expected no handle before the first adoption")
	}

	if err := c.Adopt(context.Background(), testCredential(1, time.Hour)); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	handle := c.CurrentHandle()
	if handle == nil {
		t.Fatal("expected an active handle after adoption")
	}
	if handle.State() != HandleActive {
		t.Fatalf("expected active state, got %s", handle.State())
	}
	if handle.Credential().LeaseID != "lease-1" {
		t.Fatalf("expected lease-1, got %q", handle.Credential().LeaseID)
	}
}

func TestAdoptValidationFailureKeepsOldPool(t *testing.T) {
	factory := &fakeFactory{}
	c := newTestCoordinator(t, factory, nil)

	if err := c.Adopt(context.Background(), testCredential(1, time.Hour)); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	old := c.CurrentHandle()

	factory.mu.Lock()
	factory.validateErr = fmt.Errorf("connection refused")
	factory.mu.Unlock()

	err := c.Adopt(context.Background(), testCredential(2, time.Hour))
	if !verrors.IsCode(err, verrors.CodeValidationFailed) {
		t.Fatalf("expected validation_failed, got %v", err)
	}

	if c.CurrentHandle() != old {
		t.Fatal("expected the old handle to keep serving after a failed validation")
	}
	if old.State() != HandleActive {
		t.Fatalf("expected old handle to stay active, got %s", old.State())
	}

	// The rejected pool must not leak.
	factory.mu.Lock()
	rejected := factory.pools[1]
	factory.mu.Unlock()
	if !rejected.isClosed() {
		t.Fatal("expected the rejected pool to be closed")
	}
}

func TestAdoptSwapDrainsIdleOldHandle(t *testing.T) {
	factory := &fakeFactory{}
	c := newTestCoordinator(t, factory, nil)

	if err := c.Adopt(context.Background(), testCredential(1, time.Hour)); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	old := c.CurrentHandle()

	if err := c.Adopt(context.Background(), testCredential(2, time.Hour)); err != nil {
		t.Fatalf("adopt replacement: %v", err)
	}

	// No outstanding borrows, so the old handle retires immediately.
	if old.State() != HandleRetired {
		t.Fatalf("expected old handle to retire, got %s", old.State())
	}
	factory.mu.Lock()
	oldPool := factory.pools[0]
	factory.mu.Unlock()
	if !oldPool.isClosed() {
		t.Fatal("expected the retired pool to be closed")
	}

	if got := c.CurrentHandle().Credential().LeaseID; got != "lease-2" {
		t.Fatalf("expected lease-2 to be active, got %q", got)
	}
}

func TestSwapWaitsForOutstandingBorrows(t *testing.T) {
	factory := &fakeFactory{}
	c := newTestCoordinator(t, factory, nil)

	if err := c.Adopt(context.Background(), testCredential(1, time.Hour)); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	conn, err := c.Conn(context.Background())
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	old := conn.Handle()

	if err := c.Adopt(context.Background(), testCredential(2, time.Hour)); err != nil {
		t.Fatalf("adopt replacement: %v", err)
	}

	// Borrow outstanding: the old handle drains instead of retiring.
	if old.State() != HandleDraining {
		t.Fatalf("expected draining state while borrowed, got %s", old.State())
	}
	factory.mu.Lock()
	oldPool := factory.pools[0]
	factory.mu.Unlock()
	if oldPool.isClosed() {
		t.Fatal("pool closed while a borrow was outstanding")
	}

	// New borrows go to the replacement handle.
	fresh, err := c.Conn(context.Background())
	if err != nil {
		t.Fatalf("conn after swap: %v", err)
	}
	if fresh.Handle() == old {
		t.Fatal("expected new borrows to route to the replacement handle")
	}
	fresh.Release()

	conn.Release()
	if old.State() != HandleRetired {
		t.Fatalf("expected old handle to retire after last release, got %s", old.State())
	}
	if !oldPool.isClosed() {
		t.Fatal("expected the drained pool to be closed")
	}

	// Double release is harmless.
	conn.Release()
	if old.Borrows() != 0 {
		t.Fatalf("expected zero borrows, got %d", old.Borrows())
	}
}

func TestConnRefreshesStaleCredentialOnDemand(t *testing.T) {
	factory := &fakeFactory{}

	var mu sync.Mutex
	issued := 0
	refresh := func(ctx context.Context) (store.Credential, error) {
		mu.Lock()
		defer mu.Unlock()
		issued++
		return testCredential(issued, time.Hour), nil
	}

	c := newTestCoordinator(t, factory, refresh)

	// First borrow triggers the initial issuance.
	conn, err := c.Conn(context.Background())
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	if conn.Handle().Credential().LeaseID != "lease-1" {
		t.Fatalf("expected lease-1, got %q", conn.Handle().Credential().LeaseID)
	}
	conn.Release()

	// A fresh credential is not re-issued while it is still live.
	conn, err = c.Conn(context.Background())
	if err != nil {
		t.Fatalf("second conn: %v", err)
	}
	conn.Release()

	mu.Lock()
	count := issued
	mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 issuance for a live credential, got %d", count)
	}
}

func TestConnReplacesExpiredCredential(t *testing.T) {
	factory := &fakeFactory{}

	var mu sync.Mutex
	issued := 0
	refresh := func(ctx context.Context) (store.Credential, error) {
		mu.Lock()
		defer mu.Unlock()
		issued++
		lease := time.Hour
		if issued == 1 {
			lease = 10 * time.Millisecond
		}
		return testCredential(issued, lease), nil
	}

	c := newTestCoordinator(t, factory, refresh)

	conn, err := c.Conn(context.Background())
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	conn.Release()

	time.Sleep(20 * time.Millisecond)

	conn, err = c.Conn(context.Background())
	if err != nil {
		t.Fatalf("conn after expiry: %v", err)
	}
	defer conn.Release()

	if conn.Handle().Credential().LeaseID != "lease-2" {
		t.Fatalf("expected a refreshed lease, got %q", conn.Handle().Credential().LeaseID)
	}
	if factory.buildCount() != 2 {
		t.Fatalf("expected 2 pool builds, got %d", factory.buildCount())
	}
}

func TestConnKeepsStalePoolWhenRefreshFails(t *testing.T) {
	factory := &fakeFactory{}

	var mu sync.Mutex
	issued := 0
	failing := false
	refresh := func(ctx context.Context) (store.Credential, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return store.Credential{}, fmt.Errorf("store unreachable")
		}
		issued++
		return testCredential(issued, 10*time.Millisecond), nil
	}

	c := newTestCoordinator(t, factory, refresh)

	conn, err := c.Conn(context.Background())
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	conn.Release()

	mu.Lock()
	failing = true
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)

	// Refresh fails but the stale pool keeps lending.
	conn, err = c.Conn(context.Background())
	if err != nil {
		t.Fatalf("expected stale pool to keep serving, got %v", err)
	}
	defer conn.Release()

	if conn.Handle().Credential().LeaseID != "lease-1" {
		t.Fatalf("expected the stale lease to keep serving, got %q", conn.Handle().Credential().LeaseID)
	}
}

func TestConnWithoutPoolOrRefreshFails(t *testing.T) {
	factory := &fakeFactory{}
	c := newTestCoordinator(t, factory, nil)

	if _, err := c.Conn(context.Background()); !verrors.IsCode(err, verrors.CodeValidationFailed) {
		t.Fatalf("expected validation_failed with no pool and no refresh, got %v", err)
	}
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	factory := &fakeFactory{}
	c := newTestCoordinator(t, factory, nil)

	if err := c.Adopt(context.Background(), testCredential(1, time.Hour)); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	handle := c.CurrentHandle()

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if handle.State() != HandleRetired {
		t.Fatalf("expected handle to retire on close, got %s", handle.State())
	}
	if _, err := c.Conn(context.Background()); err != verrors.ErrClosed {
		t.Fatalf("expected ErrClosed from Conn, got %v", err)
	}
	if err := c.Adopt(context.Background(), testCredential(2, time.Hour)); err != verrors.ErrClosed {
		t.Fatalf("expected ErrClosed from Adopt, got %v", err)
	}

	// Closing twice is a no-op.
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestConcurrentBorrowsAcrossSwaps(t *testing.T) {
	factory := &fakeFactory{}
	c := newTestCoordinator(t, factory, nil)

	if err := c.Adopt(context.Background(), testCredential(0, time.Hour)); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				conn, err := c.Conn(context.Background())
				if err != nil {
					continue
				}
				if conn.Handle().State() == HandleRetired {
					t.Error("borrowed from a retired handle")
				}
				conn.Release()
			}
		}()
	}

	for i := 1; i <= 10; i++ {
		if err := c.Adopt(context.Background(), testCredential(i, time.Hour)); err != nil {
			t.Fatalf("adopt %d: %v", i, err)
		}
		time.Sleep(time.Millisecond)
	}
	close(stop)
	wg.Wait()

	// Every handle but the current one must have fully retired.
	factory.mu.Lock()
	defer factory.mu.Unlock()
	for i, p := range factory.pools[:len(factory.pools)-1] {
		if !p.isClosed() {
			t.Fatalf("pool %d never closed after being swapped out", i)
		}
	}
}
