// Package store defines the contract between the agent and a remote
// secret store, along with the wire-level value types the engines
// exchange. Implementations live in subpackages.
package store

import (
	"context"
	"time"
)

// LoginResult is the token grant returned by a successful login.
type LoginResult struct {
	Token         string
	LeaseDuration time.Duration
}

// SecretValue is a key/value secret read from the store. LeaseDuration
// is advisory for KV data; the agent treats its configured cache TTL as
// the staleness ceiling.
type SecretValue struct {
	Data          map[string]any
	Version       int
	LeaseDuration time.Duration
}

// Credential is a database credential issued by the store. Dynamic
// credentials carry a lease; static credentials carry rotation
// metadata instead. A Credential is immutable once issued and is
// superseded, never mutated, on refresh.
type Credential struct {
	LeaseID        string
	Username       string
	Password       string
	IssuedAt       time.Time
	LeaseDuration  time.Duration
	LastRotation   time.Time
	RotationPeriod time.Duration
}

// ExpiresAt returns the wall-clock end of the credential lease.
func (c Credential) ExpiresAt() time.Time {
	return c.IssuedAt.Add(c.LeaseDuration)
}

// StaleAt returns the instant at which the credential should be
// proactively refreshed, scaled by buffer in (0,1]. A buffer of 0.8
// means refresh once 80% of the lease has elapsed.
func (c Credential) StaleAt(buffer float64) time.Time {
	if buffer <= 0 || buffer > 1 {
		buffer = 1
	}
	scaled := time.Duration(float64(c.LeaseDuration) * buffer)
	return c.IssuedAt.Add(scaled)
}

// Stale reports whether the credential has crossed its refresh point.
// A zero credential is always stale.
func (c Credential) Stale(buffer float64, now time.Time) bool {
	if c.IssuedAt.IsZero() || c.LeaseDuration <= 0 {
		return true
	}
	return !now.Before(c.StaleAt(buffer))
}

// SecretStore performs authenticated requests against the remote
// secret service. Every call must honor ctx cancellation and deadline.
// Failures are reported through the pkg/errors taxonomy: unauthorized,
// secret_not_found, store_unavailable.
type SecretStore interface {
	// Login exchanges AppRole credentials for a client token.
	Login(ctx context.Context, roleID, secretID string) (LoginResult, error)

	// Read fetches a KV secret. A version of zero reads the latest.
	Read(ctx context.Context, token, path string, version int) (SecretValue, error)

	// List enumerates the keys directly under path.
	List(ctx context.Context, token, path string) ([]string, error)

	// IssueCredential mints a new dynamic credential lease for role.
	IssueCredential(ctx context.Context, token, role string) (Credential, error)

	// GetStaticCredential reads the current credential for a static
	// role without minting a new lease.
	GetStaticCredential(ctx context.Context, token, role string) (Credential, error)
}
