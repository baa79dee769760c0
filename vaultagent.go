// Package vaultagent is an embedded client for a remote secret store.
// It caches KV reads under a TTL bound, re-authenticates transparently
// when the client token lease elapses, and keeps database connection
// pools backed by live dynamic credentials.
package vaultagent

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/porthorian/vaultagent/pkg/auth"
	"github.com/porthorian/vaultagent/pkg/broker"
	"github.com/porthorian/vaultagent/pkg/cache"
	verrors "github.com/porthorian/vaultagent/pkg/errors"
	"github.com/porthorian/vaultagent/pkg/pool"
	"github.com/porthorian/vaultagent/pkg/refresh"
	"github.com/porthorian/vaultagent/pkg/store"
)

type Config struct {
	// RoleID and SecretID are the AppRole credentials the agent logs
	// in with.
	RoleID   string
	SecretID string

	// Store overrides the runtime-resolved backend. Either Store or a
	// runtime store backend must be supplied.
	Store SecretStore

	Logger logr.Logger

	// CacheTTL is the default staleness bound for cached KV values.
	// Zero means the 5 minute default; a negative value disables
	// caching entirely.
	CacheTTL time.Duration

	// MaxCacheSize bounds the number of cached entries.
	MaxCacheSize int

	// RequestTimeout bounds every individual store call.
	RequestTimeout time.Duration

	// KVMount and DatabaseMount name the engine mount points.
	KVMount       string
	DatabaseMount string

	// StaticCredentialTTL bounds how long static role credentials are
	// served from cache.
	StaticCredentialTTL time.Duration

	Runtime RuntimeConfig
}

// Client is the application-facing surface. All methods are safe for
// concurrent use.
type Client struct {
	store   store.SecretStore
	session *auth.Session
	broker  *broker.Broker
	cache   *cache.Cache
	logger  logr.Logger
	config  Config
}

// New builds a client around an explicit SecretStore implementation.
func New(secretStore SecretStore, config Config) (*Client, error) {
	config.Store = secretStore
	return NewDefault(config)
}

// NewDefault builds a client, resolving the store backend from the
// runtime configuration when none is supplied directly.
func NewDefault(config Config) (*Client, error) {
	resolved, err := config.initialize()
	if err != nil {
		return nil, err
	}
	if resolved.Store == nil {
		return nil, verrors.ErrMissingStore
	}

	secretCache, err := cache.New(resolved.CacheTTL, resolved.MaxCacheSize)
	if err != nil {
		return nil, err
	}

	session, err := auth.NewSession(resolved.Store, resolved.RoleID, resolved.SecretID, resolved.RequestTimeout, resolved.Logger.WithName("auth"))
	if err != nil {
		return nil, err
	}

	credentialBroker, err := broker.New(broker.Config{
		Store:               resolved.Store,
		Session:             session,
		Cache:               secretCache,
		Logger:              resolved.Logger.WithName("broker"),
		KVMount:             resolved.KVMount,
		DatabaseMount:       resolved.DatabaseMount,
		RequestTimeout:      resolved.RequestTimeout,
		StaticCredentialTTL: resolved.StaticCredentialTTL,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		store:   resolved.Store,
		session: session,
		broker:  credentialBroker,
		cache:   secretCache,
		logger:  resolved.Logger,
		config:  resolved,
	}, nil
}

// Read returns the latest version of the KV secret at path.
func (c *Client) Read(ctx context.Context, path string) (map[string]any, error) {
	return c.broker.Read(ctx, path)
}

// ReadVersion returns a specific KV secret version; zero means latest.
func (c *Client) ReadVersion(ctx context.Context, path string, version int) (map[string]any, error) {
	return c.broker.ReadVersion(ctx, path, version)
}

// List enumerates the secret keys directly under path.
func (c *Client) List(ctx context.Context, path string) ([]string, error) {
	return c.broker.List(ctx, path)
}

// IssueCredential mints a fresh dynamic database credential for role.
func (c *Client) IssueCredential(ctx context.Context, role string) (Credential, error) {
	return c.broker.IssueCredential(ctx, role)
}

// GetStaticCredential reads the current credential for a static role.
func (c *Client) GetStaticCredential(ctx context.Context, role string) (Credential, error) {
	return c.broker.GetStaticCredential(ctx, role)
}

// ConnectionString issues a credential for role and renders it into
// template using {username}, {password} and extra {param} placeholders.
func (c *Client) ConnectionString(ctx context.Context, role, template string, params map[string]string) (string, error) {
	return c.broker.ConnectionString(ctx, role, template, params)
}

// InvalidateRole drops cached credentials for role.
func (c *Client) InvalidateRole(role string) {
	c.broker.InvalidateRole(role)
}

// InvalidateAllRoles drops every cached database credential.
func (c *Client) InvalidateAllRoles() {
	c.broker.InvalidateAllRoles()
}

// CacheStats returns a snapshot of the cache counters.
func (c *Client) CacheStats() CacheStats {
	return c.cache.Stats()
}

// ClearCache removes all cached data and resets the counters.
func (c *Client) ClearCache() {
	c.cache.Clear()
	c.logger.V(1).Info("cache cleared")
}

// SetCacheTTL updates the default staleness bound for cached values.
// Already-cached entries keep their original expiry.
func (c *Client) SetCacheTTL(ttl time.Duration) {
	c.cache.SetDefaultTTL(ttl)
	c.logger.V(1).Info("cache ttl updated", "ttl", ttl)
}

// Close drops the client's cached state: the secret cache is cleared
// and the session token discarded. Pools built through ManagedPool or
// OnDemandPool have their own lifecycles and are not touched.
func (c *Client) Close() error {
	c.cache.Clear()
	c.session.Invalidate()
	c.logger.V(1).Info("client closed")
	return nil
}

// ManagedPoolConfig configures a scheduler-backed pool for one role.
type ManagedPoolConfig struct {
	Role    string
	Factory pool.Factory

	// Probe is executed against a fresh resource on every adoption.
	Probe string

	// RefreshBuffer in (0,1]: refresh once this fraction of the lease
	// has elapsed. Defaults to 0.8.
	RefreshBuffer float64

	// CheckInterval is how often the background loop checks for
	// credential staleness.
	CheckInterval time.Duration

	// OnRefresh, if set, is invoked after every successful refresh.
	OnRefresh func(cred Credential)
}

// ManagedPool couples a pool coordinator with a background refresh
// scheduler. Start adopts an initial pool and launches the loop; Stop
// halts the loop and drains the pool.
type ManagedPool struct {
	coordinator *pool.Coordinator
	scheduler   *refresh.Scheduler
}

// ManagedPool builds a scheduler-backed pool manager for role.
func (c *Client) ManagedPool(cfg ManagedPoolConfig) (*ManagedPool, error) {
	coordinator, err := pool.NewCoordinator(pool.Config{
		Factory:       cfg.Factory,
		Logger:        c.logger.WithName("pool").WithValues("role", cfg.Role),
		Probe:         cfg.Probe,
		RefreshBuffer: cfg.RefreshBuffer,
	})
	if err != nil {
		return nil, err
	}

	scheduler, err := refresh.NewScheduler(refresh.Config{
		Role:          cfg.Role,
		Issuer:        c.broker,
		Adopter:       coordinator,
		Logger:        c.logger.WithName("refresh").WithValues("role", cfg.Role),
		CheckInterval: cfg.CheckInterval,
		RefreshBuffer: cfg.RefreshBuffer,
		OnRefresh:     cfg.OnRefresh,
	})
	if err != nil {
		return nil, err
	}

	return &ManagedPool{
		coordinator: coordinator,
		scheduler:   scheduler,
	}, nil
}

func (m *ManagedPool) Start(ctx context.Context) error {
	return m.scheduler.Start(ctx)
}

func (m *ManagedPool) Stop() {
	m.scheduler.Stop()
	_ = m.coordinator.Close()
}

// Conn borrows a scoped connection handle from the active pool.
func (m *ManagedPool) Conn(ctx context.Context) (*pool.Conn, error) {
	return m.coordinator.Conn(ctx)
}

// CurrentHandle returns the active pool handle.
func (m *ManagedPool) CurrentHandle() *pool.Handle {
	return m.coordinator.CurrentHandle()
}

// RefreshNow forces an out-of-cycle credential refresh and pool swap.
func (m *ManagedPool) RefreshNow(ctx context.Context) error {
	return m.scheduler.RefreshNow(ctx)
}

// Status reports the scheduler's recent refresh activity.
func (m *ManagedPool) Status() refresh.Status {
	return m.scheduler.Status()
}

// OnDemandPool builds a coordinator without a background scheduler.
// Conn checks credential freshness itself and refreshes synchronously
// when stale, trading a latency spike on the unlucky caller for not
// running a goroutine.
func (c *Client) OnDemandPool(cfg ManagedPoolConfig) (*pool.Coordinator, error) {
	role := cfg.Role
	return pool.NewCoordinator(pool.Config{
		Factory:       cfg.Factory,
		Logger:        c.logger.WithName("pool").WithValues("role", role),
		Probe:         cfg.Probe,
		RefreshBuffer: cfg.RefreshBuffer,
		Refresh: func(ctx context.Context) (store.Credential, error) {
			return c.broker.IssueCredential(ctx, role)
		},
	})
}
