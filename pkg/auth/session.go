// Package auth holds the client token state machine. A session is
// either unauthenticated, holding a valid lease-bound token, or in the
// middle of a single shared re-authentication.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	verrors "github.com/porthorian/vaultagent/pkg/errors"
	"github.com/porthorian/vaultagent/pkg/store"
)

type State string

const (
	StateUnauthenticated  State = "unauthenticated"
	StateValid            State = "valid"
	StateReauthenticating State = "reauthenticating"
)

const loginKey = "login"

// Session owns the client token and re-authenticates through the store
// when it expires. Concurrent callers block on a single in-flight
// login; all of them receive the same token or the same error.
type Session struct {
	store    store.SecretStore
	roleID   string
	secretID string
	timeout  time.Duration
	logger   logr.Logger

	sf singleflight.Group

	mu            sync.Mutex
	state         State
	token         string
	issuedAt      time.Time
	leaseDuration time.Duration
}

func NewSession(secretStore store.SecretStore, roleID, secretID string, timeout time.Duration, logger logr.Logger) (*Session, error) {
	if secretStore == nil {
		return nil, verrors.ErrMissingStore
	}
	if roleID == "" || secretID == "" {
		return nil, verrors.New(verrors.CodeInvalidConfig, "auth: role id and secret id are required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Session{
		store:    secretStore,
		roleID:   roleID,
		secretID: secretID,
		timeout:  timeout,
		logger:   logger,
		state:    StateUnauthenticated,
	}, nil
}

// EnsureValid returns the current token, logging in first if the
// session is unauthenticated or the token lease has elapsed. Login
// failures are surfaced once per caller set and are not retried here;
// retry policy belongs to the caller.
func (s *Session) EnsureValid(ctx context.Context) (string, error) {
	if token, ok := s.currentToken(); ok {
		return token, nil
	}

	ch := s.sf.DoChan(loginKey, func() (any, error) {
		// Re-check under the flight: a previous flight may have
		// refreshed the token between our check and this call.
		if token, ok := s.currentToken(); ok {
			return token, nil
		}
		return s.login()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		// The shared login keeps running for the other waiters.
		return "", verrors.Wrap(verrors.CodeStoreUnavailable, "auth: login canceled", ctx.Err())
	}
}

// Invalidate forces the next EnsureValid to re-authenticate. Used when
// the store rejects the current token mid-request.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateUnauthenticated
	s.token = ""
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) currentToken() (string, bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateValid && now.Before(s.issuedAt.Add(s.leaseDuration)) {
		return s.token, true
	}
	return "", false
}

// login performs one network login. It runs inside the singleflight
// group, so at most one login is in flight at any time. The call is
// detached from any single caller's context so that a canceled waiter
// cannot abort the login the remaining waiters share.
func (s *Session) login() (string, error) {
	s.setState(StateReauthenticating)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	result, err := s.store.Login(ctx, s.roleID, s.secretID)
	if err != nil {
		s.setState(StateUnauthenticated)
		s.logger.Error(err, "login failed")
		return "", verrors.Wrap(verrors.CodeAuthenticationFailed, "auth: login failed", err)
	}

	now := time.Now()

	s.mu.Lock()
	s.state = StateValid
	s.token = result.Token
	s.issuedAt = now
	s.leaseDuration = result.LeaseDuration
	s.mu.Unlock()

	s.logger.V(1).Info("authenticated with secret store", "lease_duration", result.LeaseDuration)
	return result.Token, nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}
