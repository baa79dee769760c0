// Package pool keeps a downstream resource pool continuously backed by
// a live credential. The active pool is swapped atomically on refresh;
// the previous pool drains its outstanding borrows before it is closed.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	verrors "github.com/porthorian/vaultagent/pkg/errors"
	"github.com/porthorian/vaultagent/pkg/store"
)

// Pool is a downstream resource pool built from one credential.
type Pool interface {
	// Validate probes the pool for liveness, typically by executing a
	// trivial query on a fresh resource.
	Validate(ctx context.Context, probe string) error

	// Close releases every resource held by the pool.
	Close() error
}

// Factory builds pools from credentials. Supplied by the application.
type Factory interface {
	Build(ctx context.Context, cred store.Credential) (Pool, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, cred store.Credential) (Pool, error)

func (f FactoryFunc) Build(ctx context.Context, cred store.Credential) (Pool, error) {
	return f(ctx, cred)
}

type HandleState int32

const (
	HandleActive HandleState = iota
	HandleDraining
	HandleRetired
)

func (s HandleState) String() string {
	switch s {
	case HandleActive:
		return "active"
	case HandleDraining:
		return "draining"
	case HandleRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// Handle pairs a pool with the credential it was built from. Borrow
// bookkeeping is atomic so retirement can be decided without a lock on
// the borrow path.
type Handle struct {
	id         string
	pool       Pool
	credential store.Credential

	state   atomic.Int32
	borrows atomic.Int64
}

func newHandle(pool Pool, cred store.Credential) *Handle {
	h := &Handle{
		id:         uuid.NewString(),
		pool:       pool,
		credential: cred,
	}
	h.state.Store(int32(HandleActive))
	return h
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Pool() Pool { return h.pool }

func (h *Handle) Credential() store.Credential { return h.credential }

func (h *Handle) State() HandleState { return HandleState(h.state.Load()) }

func (h *Handle) Borrows() int64 { return h.borrows.Load() }

// acquire registers a borrow. Only Active handles lend resources.
func (h *Handle) acquire() bool {
	h.borrows.Add(1)
	if HandleState(h.state.Load()) != HandleActive {
		h.release()
		return false
	}
	return true
}

// release returns a borrow and retires a drained handle once the last
// borrow comes back.
func (h *Handle) release() {
	if h.borrows.Add(-1) == 0 {
		h.retireIfDrained()
	}
}

// drain moves an Active handle to Draining. The handle retires as soon
// as its borrow count reaches zero, which may be immediately.
func (h *Handle) drain() {
	if h.state.CompareAndSwap(int32(HandleActive), int32(HandleDraining)) && h.borrows.Load() == 0 {
		h.retireIfDrained()
	}
}

func (h *Handle) retireIfDrained() {
	if h.state.CompareAndSwap(int32(HandleDraining), int32(HandleRetired)) {
		_ = h.pool.Close()
	}
}

// Conn is a scoped borrow from the active handle. Callers must Release
// it when done so draining handles can retire.
type Conn struct {
	handle  *Handle
	release sync.Once
}

// Handle exposes the borrowed handle; its Pool lends the actual
// resource (for database pools, the *sql.DB).
func (c *Conn) Handle() *Handle { return c.handle }

func (c *Conn) Release() {
	c.release.Do(c.handle.release)
}

// RefreshFunc obtains a fresh credential, typically
// Broker.IssueCredential bound to a role.
type RefreshFunc func(ctx context.Context) (store.Credential, error)

type Config struct {
	Factory Factory
	Logger  logr.Logger

	// Probe is handed to Pool.Validate on adoption.
	Probe string

	// RefreshBuffer in (0,1] scales the credential lease to decide
	// staleness for on-demand refresh.
	RefreshBuffer float64

	// Refresh is required for on-demand use (Conn refreshing a stale
	// credential synchronously); scheduler-driven coordinators may
	// leave it nil and call Adopt directly.
	Refresh RefreshFunc
}

// Coordinator owns at most one Active handle and swaps it atomically
// when a fresh credential is adopted. Borrowers never observe a
// half-built pool: they either get the old handle or the new one.
type Coordinator struct {
	factory Factory
	logger  logr.Logger
	probe   string
	buffer  float64
	refresh RefreshFunc

	active  atomic.Pointer[Handle]
	adoptMu sync.Mutex
	closed  atomic.Bool
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Factory == nil {
		return nil, verrors.New(verrors.CodeInvalidConfig, "pool: factory is required")
	}
	if cfg.RefreshBuffer < 0 || cfg.RefreshBuffer > 1 {
		return nil, verrors.New(verrors.CodeInvalidConfig, "pool: refresh buffer must be in (0,1]")
	}
	if cfg.RefreshBuffer == 0 {
		cfg.RefreshBuffer = 0.8
	}
	if cfg.Probe == "" {
		cfg.Probe = "SELECT 1"
	}

	return &Coordinator{
		factory: cfg.Factory,
		logger:  cfg.Logger,
		probe:   cfg.Probe,
		buffer:  cfg.RefreshBuffer,
		refresh: cfg.Refresh,
	}, nil
}

// CurrentHandle returns the Active handle, or nil before the first
// successful Adopt.
func (c *Coordinator) CurrentHandle() *Handle {
	return c.active.Load()
}

// Adopt builds a pool for cred, validates it, and swaps it in as the
// Active handle. On validation failure the new pool is discarded and
// the existing handle keeps serving; the error is reported upward and
// the next refresh retries.
func (c *Coordinator) Adopt(ctx context.Context, cred store.Credential) error {
	c.adoptMu.Lock()
	defer c.adoptMu.Unlock()

	if c.closed.Load() {
		return verrors.ErrClosed
	}

	pool, err := c.factory.Build(ctx, cred)
	if err != nil {
		return verrors.Wrap(verrors.CodeValidationFailed, "pool: failed to build pool", err)
	}

	if err := pool.Validate(ctx, c.probe); err != nil {
		_ = pool.Close()
		return verrors.Wrap(verrors.CodeValidationFailed, "pool: validation probe failed", err)
	}

	handle := newHandle(pool, cred)
	old := c.active.Swap(handle)
	if old != nil {
		old.drain()
		c.logger.V(1).Info("pool swapped", "new_handle", handle.ID(), "old_handle", old.ID())
	} else {
		c.logger.V(1).Info("pool adopted", "handle", handle.ID())
	}

	return nil
}

// Conn borrows from the active handle. If the active credential has
// crossed its refresh point, a fresh one is obtained synchronously
// before lending; the unlucky caller pays the round trip so later
// callers do not.
func (c *Coordinator) Conn(ctx context.Context) (*Conn, error) {
	if c.closed.Load() {
		return nil, verrors.ErrClosed
	}

	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}

	// A concurrent Adopt can drain the handle between the load and the
	// borrow; reload and retry once if so.
	for attempt := 0; attempt < 2; attempt++ {
		handle := c.active.Load()
		if handle == nil {
			return nil, verrors.New(verrors.CodeValidationFailed, "pool: no active pool")
		}
		if handle.acquire() {
			return &Conn{handle: handle}, nil
		}
	}

	return nil, verrors.New(verrors.CodeValidationFailed, "pool: no active pool")
}

// Close drains the active handle and rejects further borrows.
func (c *Coordinator) Close() error {
	c.adoptMu.Lock()
	defer c.adoptMu.Unlock()

	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if old := c.active.Swap(nil); old != nil {
		old.drain()
	}
	return nil
}

func (c *Coordinator) ensureFresh(ctx context.Context) error {
	now := time.Now()

	handle := c.active.Load()
	if handle != nil && !handle.Credential().Stale(c.buffer, now) {
		return nil
	}
	if c.refresh == nil {
		if handle == nil {
			return verrors.New(verrors.CodeValidationFailed, "pool: no active pool and no refresh configured")
		}
		// Stale but still leased beats unavailable.
		return nil
	}

	c.adoptMu.Lock()
	handle = c.active.Load()
	stillStale := handle == nil || handle.Credential().Stale(c.buffer, now)
	c.adoptMu.Unlock()
	if !stillStale {
		return nil
	}

	cred, err := c.refresh(ctx)
	if err != nil {
		if handle != nil {
			c.logger.Error(err, "credential refresh failed, keeping current pool")
			return nil
		}
		return err
	}

	if err := c.Adopt(ctx, cred); err != nil {
		if handle != nil {
			c.logger.Error(err, "pool adoption failed, keeping current pool")
			return nil
		}
		return err
	}

	return nil
}
