// Package vault implements store.SecretStore against a HashiCorp Vault
// server: AppRole login, KV v2 reads, and database engine credentials.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	verrors "github.com/porthorian/vaultagent/pkg/errors"
	"github.com/porthorian/vaultagent/pkg/store"
)

type Config struct {
	Address   string
	Namespace string
	Timeout   time.Duration

	// CACert is a path to a PEM-encoded CA bundle; TLSSkipVerify
	// disables certificate verification entirely.
	CACert        string
	TLSSkipVerify bool

	// KVMount and DatabaseMount are the engine mount points.
	KVMount       string
	DatabaseMount string
}

// Adapter talks to Vault through the official API client. Calls are
// made on a per-token clone of the base client so concurrent requests
// with different tokens never race on shared token state.
type Adapter struct {
	client  *vaultapi.Client
	kvMount string
	dbMount string
}

var _ store.SecretStore = (*Adapter)(nil)

func NewAdapter(cfg Config) (*Adapter, error) {
	if cfg.Address == "" {
		return nil, verrors.New(verrors.CodeInvalidConfig, "vault adapter: address is required")
	}
	if cfg.KVMount == "" {
		cfg.KVMount = "secret"
	}
	if cfg.DatabaseMount == "" {
		cfg.DatabaseMount = "database"
	}

	config := vaultapi.DefaultConfig()
	config.Address = cfg.Address
	if cfg.Timeout > 0 {
		config.Timeout = cfg.Timeout
	}

	if cfg.CACert != "" || cfg.TLSSkipVerify {
		if err := config.ConfigureTLS(&vaultapi.TLSConfig{
			CACert:   cfg.CACert,
			Insecure: cfg.TLSSkipVerify,
		}); err != nil {
			return nil, verrors.Wrap(verrors.CodeInvalidConfig, "vault adapter: failed to configure tls", err)
		}
	}

	client, err := vaultapi.NewClient(config)
	if err != nil {
		return nil, verrors.Wrap(verrors.CodeInvalidConfig, "vault adapter: failed to create client", err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	return &Adapter{
		client:  client,
		kvMount: cfg.KVMount,
		dbMount: cfg.DatabaseMount,
	}, nil
}

func (a *Adapter) Login(ctx context.Context, roleID, secretID string) (store.LoginResult, error) {
	secret, err := a.client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]any{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return store.LoginResult{}, mapError(err, "vault adapter: approle login failed")
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return store.LoginResult{}, verrors.New(verrors.CodeAuthenticationFailed, "vault adapter: login response contained no token")
	}

	return store.LoginResult{
		Token:         secret.Auth.ClientToken,
		LeaseDuration: time.Duration(secret.Auth.LeaseDuration) * time.Second,
	}, nil
}

func (a *Adapter) Read(ctx context.Context, token, path string, version int) (store.SecretValue, error) {
	logical, err := a.logical(token)
	if err != nil {
		return store.SecretValue{}, err
	}

	apiPath := fmt.Sprintf("%s/data/%s", a.kvMount, path)
	var params map[string][]string
	if version > 0 {
		params = map[string][]string{"version": {fmt.Sprintf("%d", version)}}
	}

	secret, err := logical.ReadWithDataWithContext(ctx, apiPath, params)
	if err != nil {
		return store.SecretValue{}, mapError(err, "vault adapter: kv read failed")
	}
	if secret == nil || secret.Data == nil {
		return store.SecretValue{}, verrors.New(verrors.CodeSecretNotFound, fmt.Sprintf("vault adapter: no secret at path %q", path))
	}

	data, _ := secret.Data["data"].(map[string]any)
	if data == nil {
		return store.SecretValue{}, verrors.New(verrors.CodeSecretNotFound, fmt.Sprintf("vault adapter: secret at path %q has no data", path))
	}

	value := store.SecretValue{
		Data:          data,
		LeaseDuration: time.Duration(secret.LeaseDuration) * time.Second,
	}
	if metadata, ok := secret.Data["metadata"].(map[string]any); ok {
		value.Version = toInt(metadata["version"])
	}

	return value, nil
}

func (a *Adapter) List(ctx context.Context, token, path string) ([]string, error) {
	logical, err := a.logical(token)
	if err != nil {
		return nil, err
	}

	secret, err := logical.ListWithContext(ctx, fmt.Sprintf("%s/metadata/%s", a.kvMount, path))
	if err != nil {
		return nil, mapError(err, "vault adapter: kv list failed")
	}
	if secret == nil || secret.Data == nil {
		return nil, verrors.New(verrors.CodeSecretNotFound, fmt.Sprintf("vault adapter: no secrets under path %q", path))
	}

	raw, _ := secret.Data["keys"].([]any)
	keys := make([]string, 0, len(raw))
	for _, item := range raw {
		if key, ok := item.(string); ok {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

func (a *Adapter) IssueCredential(ctx context.Context, token, role string) (store.Credential, error) {
	logical, err := a.logical(token)
	if err != nil {
		return store.Credential{}, err
	}

	secret, err := logical.ReadWithContext(ctx, fmt.Sprintf("%s/creds/%s", a.dbMount, role))
	if err != nil {
		return store.Credential{}, mapError(err, "vault adapter: credential issuance failed")
	}
	if secret == nil || secret.Data == nil {
		return store.Credential{}, verrors.New(verrors.CodeSecretNotFound, fmt.Sprintf("vault adapter: no database role %q", role))
	}

	username, _ := secret.Data["username"].(string)
	password, _ := secret.Data["password"].(string)
	if username == "" || password == "" {
		return store.Credential{}, verrors.New(verrors.CodeSecretNotFound, fmt.Sprintf("vault adapter: database role %q returned incomplete credentials", role))
	}

	return store.Credential{
		LeaseID:       secret.LeaseID,
		Username:      username,
		Password:      password,
		IssuedAt:      time.Now(),
		LeaseDuration: time.Duration(secret.LeaseDuration) * time.Second,
	}, nil
}

func (a *Adapter) GetStaticCredential(ctx context.Context, token, role string) (store.Credential, error) {
	logical, err := a.logical(token)
	if err != nil {
		return store.Credential{}, err
	}

	secret, err := logical.ReadWithContext(ctx, fmt.Sprintf("%s/static-creds/%s", a.dbMount, role))
	if err != nil {
		return store.Credential{}, mapError(err, "vault adapter: static credential read failed")
	}
	if secret == nil || secret.Data == nil {
		return store.Credential{}, verrors.New(verrors.CodeSecretNotFound, fmt.Sprintf("vault adapter: no static database role %q", role))
	}

	username, _ := secret.Data["username"].(string)
	password, _ := secret.Data["password"].(string)

	cred := store.Credential{
		Username:       username,
		Password:       password,
		IssuedAt:       time.Now(),
		LeaseDuration:  time.Duration(toInt(secret.Data["ttl"])) * time.Second,
		RotationPeriod: time.Duration(toInt(secret.Data["rotation_period"])) * time.Second,
	}
	if raw, ok := secret.Data["last_vault_rotation"].(string); ok {
		if rotated, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
			cred.LastRotation = rotated
		}
	}

	return cred, nil
}

// logical returns a logical API view bound to token. The base client
// is cloned so token swaps on one request do not leak into another.
func (a *Adapter) logical(token string) (*vaultapi.Logical, error) {
	clone, err := a.client.Clone()
	if err != nil {
		return nil, verrors.Wrap(verrors.CodeUnknown, "vault adapter: failed to clone client", err)
	}
	clone.SetToken(token)
	return clone.Logical(), nil
}

// mapError translates Vault API failures into the agent taxonomy.
func mapError(err error, message string) error {
	var respErr *vaultapi.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusForbidden, http.StatusUnauthorized:
			return verrors.Wrap(verrors.CodeUnauthorized, message, err)
		case http.StatusNotFound:
			return verrors.Wrap(verrors.CodeSecretNotFound, message, err)
		}
	}

	// Timeouts, cancellations, and transport failures are all
	// transient from the agent's point of view.
	return verrors.Wrap(verrors.CodeStoreUnavailable, message, err)
}

func toInt(v any) int {
	switch n := v.(type) {
	case json.Number:
		if parsed, err := n.Int64(); err == nil {
			return int(parsed)
		}
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}
