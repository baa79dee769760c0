// Package refresh proactively renews a role's credential before its
// lease elapses and hands the result to a pool coordinator.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	verrors "github.com/porthorian/vaultagent/pkg/errors"
	"github.com/porthorian/vaultagent/pkg/store"
)

// Issuer mints fresh credentials for a role. *broker.Broker satisfies
// this.
type Issuer interface {
	IssueCredential(ctx context.Context, role string) (store.Credential, error)
}

// Adopter receives freshly issued credentials. *pool.Coordinator
// satisfies this.
type Adopter interface {
	Adopt(ctx context.Context, cred store.Credential) error
}

// Status is a readable snapshot of the scheduler's recent activity.
type Status struct {
	Role         string
	LastAttempt  time.Time
	LastSuccess  time.Time
	LastError    error
	RefreshCount uint64
}

type Config struct {
	Role    string
	Issuer  Issuer
	Adopter Adopter
	Logger  logr.Logger

	// CheckInterval is the tick period of the background loop.
	CheckInterval time.Duration

	// RefreshBuffer in (0,1]: refresh once this fraction of the lease
	// has elapsed.
	RefreshBuffer float64

	// OnRefresh, if set, is invoked after every successful refresh.
	OnRefresh func(cred store.Credential)
}

// Scheduler runs one background loop for one role. A failed refresh is
// recorded and retried on the next tick; the currently adopted
// credential keeps serving, since stale-but-working beats unavailable.
type Scheduler struct {
	role      string
	issuer    Issuer
	adopter   Adopter
	logger    logr.Logger
	interval  time.Duration
	buffer    float64
	onRefresh func(store.Credential)

	// mu serializes refreshes so RefreshNow never runs concurrently
	// with a tick-driven refresh, and guards status/current.
	mu      sync.Mutex
	current store.Credential
	status  Status

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Role == "" {
		return nil, verrors.New(verrors.CodeInvalidConfig, "refresh: role is required")
	}
	if cfg.Issuer == nil {
		return nil, verrors.New(verrors.CodeInvalidConfig, "refresh: issuer is required")
	}
	if cfg.Adopter == nil {
		return nil, verrors.New(verrors.CodeInvalidConfig, "refresh: adopter is required")
	}
	if cfg.RefreshBuffer < 0 || cfg.RefreshBuffer > 1 {
		return nil, verrors.New(verrors.CodeInvalidConfig, "refresh: refresh buffer must be in (0,1]")
	}
	if cfg.RefreshBuffer == 0 {
		cfg.RefreshBuffer = 0.8
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}

	return &Scheduler{
		role:      cfg.Role,
		issuer:    cfg.Issuer,
		adopter:   cfg.Adopter,
		logger:    cfg.Logger,
		interval:  cfg.CheckInterval,
		buffer:    cfg.RefreshBuffer,
		onRefresh: cfg.OnRefresh,
		status:    Status{Role: cfg.Role},
	}, nil
}

// Start performs an initial refresh synchronously, then launches the
// background loop. The initial refresh must succeed: starting a
// scheduler with no adoptable credential is a configuration problem
// the caller needs to see immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return verrors.ErrClosed
	}
	s.started = true
	s.mu.Unlock()

	if err := s.RefreshNow(ctx); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(loopCtx)

	s.logger.V(1).Info("refresh scheduler started", "role", s.role, "check_interval", s.interval)
	return nil
}

// Stop signals the loop to exit after any in-flight refresh completes
// and waits for it. No refresh is started afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.logger.V(1).Info("refresh scheduler stopped", "role", s.role)
}

// RefreshNow forces an out-of-cycle refresh. It shares the refresh
// mutex with the background loop, so manual and tick-driven refreshes
// for the role never overlap.
func (s *Scheduler) RefreshNow(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return verrors.ErrClosed
	}
	return s.refreshLocked(ctx)
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Credential returns the most recently adopted credential.
func (s *Scheduler) Credential() store.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		if !s.current.Stale(s.buffer, time.Now()) {
			s.mu.Unlock()
			continue
		}

		if err := s.refreshLocked(ctx); err != nil {
			s.logger.Error(err, "scheduled refresh failed, keeping current credential", "role", s.role)
		}
		s.mu.Unlock()
	}
}

// refreshLocked issues a fresh credential and hands it to the adopter.
// The adopted credential only replaces the current one if both steps
// succeed. Caller holds s.mu.
func (s *Scheduler) refreshLocked(ctx context.Context) error {
	s.status.LastAttempt = time.Now()

	cred, err := s.issuer.IssueCredential(ctx, s.role)
	if err != nil {
		s.status.LastError = err
		return err
	}

	if err := s.adopter.Adopt(ctx, cred); err != nil {
		s.status.LastError = err
		return err
	}

	s.current = cred
	s.status.LastSuccess = time.Now()
	s.status.LastError = nil
	s.status.RefreshCount++

	s.logger.V(1).Info("credential refreshed", "role", s.role, "lease_id", cred.LeaseID, "lease_duration", cred.LeaseDuration)

	if s.onRefresh != nil {
		s.onRefresh(cred)
	}
	return nil
}
