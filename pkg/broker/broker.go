// Package broker wraps secret store reads with caching, transparent
// re-authentication, and per-role issuance dedup.
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"github.com/porthorian/vaultagent/pkg/auth"
	"github.com/porthorian/vaultagent/pkg/cache"
	verrors "github.com/porthorian/vaultagent/pkg/errors"
	"github.com/porthorian/vaultagent/pkg/store"
)

const (
	defaultKVMount       = "secret"
	defaultDatabaseMount = "database"
	defaultTimeout       = 30 * time.Second

	// Listings and static credentials change rarely but are not
	// self-describing, so they get short fixed staleness bounds.
	listTTL          = time.Minute
	defaultStaticTTL = 5 * time.Minute
)

type Config struct {
	Store   store.SecretStore
	Session *auth.Session
	Cache   *cache.Cache
	Logger  logr.Logger

	// KVMount and DatabaseMount are the engine mount points, matching
	// the store-side configuration.
	KVMount       string
	DatabaseMount string

	// RequestTimeout bounds every individual store call.
	RequestTimeout time.Duration

	// StaticCredentialTTL bounds how long static role credentials are
	// served from cache.
	StaticCredentialTTL time.Duration
}

// Broker is the single entry point for application reads. KV values
// are cached under the configured TTL; dynamic credentials always hit
// the store but concurrent issuance for one role is collapsed into a
// single lease.
type Broker struct {
	store     store.SecretStore
	session   *auth.Session
	cache     *cache.Cache
	logger    logr.Logger
	kvMount   string
	dbMount   string
	timeout   time.Duration
	staticTTL time.Duration

	issue singleflight.Group
}

func New(cfg Config) (*Broker, error) {
	if cfg.Store == nil {
		return nil, verrors.ErrMissingStore
	}
	if cfg.Session == nil {
		return nil, verrors.New(verrors.CodeInvalidConfig, "broker: session is required")
	}
	if cfg.Cache == nil {
		return nil, verrors.New(verrors.CodeInvalidConfig, "broker: cache is required")
	}

	if cfg.KVMount == "" {
		cfg.KVMount = defaultKVMount
	}
	if cfg.DatabaseMount == "" {
		cfg.DatabaseMount = defaultDatabaseMount
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if cfg.StaticCredentialTTL <= 0 {
		cfg.StaticCredentialTTL = defaultStaticTTL
	}

	return &Broker{
		store:     cfg.Store,
		session:   cfg.Session,
		cache:     cfg.Cache,
		logger:    cfg.Logger,
		kvMount:   cfg.KVMount,
		dbMount:   cfg.DatabaseMount,
		timeout:   cfg.RequestTimeout,
		staticTTL: cfg.StaticCredentialTTL,
	}, nil
}

// Read returns the latest version of the KV secret at path.
func (b *Broker) Read(ctx context.Context, path string) (map[string]any, error) {
	return b.ReadVersion(ctx, path, 0)
}

// ReadVersion returns a specific KV secret version; version zero means
// latest. Values are cached under the cache's default TTL as a pure
// staleness bound.
func (b *Broker) ReadVersion(ctx context.Context, path string, version int) (map[string]any, error) {
	key := b.kvKey(path, version)

	if cached, ok := b.cache.Get(key); ok {
		b.logger.V(1).Info("cache hit", "key", key)
		return cached.(map[string]any), nil
	}
	b.logger.V(1).Info("cache miss, reading from store", "key", key)

	var value store.SecretValue
	err := b.withAuthRetry(ctx, func(ctx context.Context, token string) error {
		var readErr error
		value, readErr = b.store.Read(ctx, token, path, version)
		return readErr
	})
	if err != nil {
		return nil, err
	}

	b.cache.Set(key, value.Data)
	return value.Data, nil
}

// List enumerates the secret keys directly under path. Listings are
// cached for a short fixed TTL.
func (b *Broker) List(ctx context.Context, path string) ([]string, error) {
	key := fmt.Sprintf("kv:list:%s:%s", b.kvMount, path)

	if cached, ok := b.cache.Get(key); ok {
		return cached.([]string), nil
	}

	var keys []string
	err := b.withAuthRetry(ctx, func(ctx context.Context, token string) error {
		var listErr error
		keys, listErr = b.store.List(ctx, token, path)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	b.cache.SetWithTTL(key, keys, listTTL)
	return keys, nil
}

// IssueCredential mints a dynamic credential for role. The cache is
// bypassed so every caller sees a lease the store still considers
// live, but concurrent calls for the same role share one issuance.
func (b *Broker) IssueCredential(ctx context.Context, role string) (store.Credential, error) {
	ch := b.issue.DoChan("issue:"+b.dbMount+":"+role, func() (any, error) {
		// Detached from the individual caller so one canceled waiter
		// cannot abandon the lease the rest are waiting on.
		var cred store.Credential
		err := b.withAuthRetry(context.Background(), func(ctx context.Context, token string) error {
			var issueErr error
			cred, issueErr = b.store.IssueCredential(ctx, token, role)
			return issueErr
		})
		if err != nil {
			return store.Credential{}, err
		}
		if cred.IssuedAt.IsZero() {
			cred.IssuedAt = time.Now()
		}

		b.logger.V(1).Info("issued dynamic credential", "role", role, "lease_id", cred.LeaseID, "lease_duration", cred.LeaseDuration)
		return cred, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return store.Credential{}, res.Err
		}
		return res.Val.(store.Credential), nil
	case <-ctx.Done():
		return store.Credential{}, verrors.Wrap(verrors.CodeStoreUnavailable, "broker: credential issuance canceled", ctx.Err())
	}
}

// GetStaticCredential reads the current credential for a static role.
// Static roles do not mint leases, so the value is cached like a KV
// read.
func (b *Broker) GetStaticCredential(ctx context.Context, role string) (store.Credential, error) {
	key := b.staticKey(role)

	if cached, ok := b.cache.Get(key); ok {
		b.logger.V(1).Info("cache hit", "key", key)
		return cached.(store.Credential), nil
	}

	var cred store.Credential
	err := b.withAuthRetry(ctx, func(ctx context.Context, token string) error {
		var getErr error
		cred, getErr = b.store.GetStaticCredential(ctx, token, role)
		return getErr
	})
	if err != nil {
		return store.Credential{}, err
	}
	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = time.Now()
	}

	b.cache.SetWithTTL(key, cred, b.staticTTL)
	return cred, nil
}

// ConnectionString issues a credential for role and renders it into
// template. The template uses {username}, {password} and any extra
// {param} placeholders supplied in params.
func (b *Broker) ConnectionString(ctx context.Context, role, template string, params map[string]string) (string, error) {
	cred, err := b.IssueCredential(ctx, role)
	if err != nil {
		return "", err
	}

	replacements := []string{
		"{username}", cred.Username,
		"{password}", cred.Password,
	}
	for name, value := range params {
		replacements = append(replacements, "{"+name+"}", value)
	}

	return strings.NewReplacer(replacements...).Replace(template), nil
}

// InvalidateRole drops any cached credentials for role, both dynamic
// and static.
func (b *Broker) InvalidateRole(role string) {
	b.cache.Delete(b.dynamicKey(role))
	b.cache.Delete(b.staticKey(role))
}

// InvalidateAllRoles drops every cached database credential.
func (b *Broker) InvalidateAllRoles() {
	b.cache.DeleteFunc(func(key string) bool {
		return strings.HasPrefix(key, "db:")
	})
}

// withAuthRetry runs fn with a valid token, bounded by the configured
// request timeout. If the store rejects the token the session is
// invalidated and fn retried exactly once; a second rejection means
// re-authentication itself is broken and is surfaced as an
// authentication failure.
func (b *Broker) withAuthRetry(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	var lastErr error

	for attempt := 0; attempt < 2; attempt++ {
		token, err := b.session.EnsureValid(ctx)
		if err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, b.timeout)
		err = fn(callCtx, token)
		cancel()

		if err == nil {
			return nil
		}
		if !verrors.IsCode(err, verrors.CodeUnauthorized) {
			return err
		}

		lastErr = err
		b.logger.V(1).Info("store rejected token, invalidating session", "attempt", attempt+1)
		b.session.Invalidate()
	}

	return verrors.Wrap(verrors.CodeAuthenticationFailed, "broker: store rejected token after re-authentication", lastErr)
}

func (b *Broker) kvKey(path string, version int) string {
	key := fmt.Sprintf("kv:%s:%s", b.kvMount, path)
	if version > 0 {
		key = fmt.Sprintf("%s:v%d", key, version)
	}
	return key
}

func (b *Broker) dynamicKey(role string) string {
	return fmt.Sprintf("db:%s:%s", b.dbMount, role)
}

func (b *Broker) staticKey(role string) string {
	return fmt.Sprintf("db:static:%s:%s", b.dbMount, role)
}
