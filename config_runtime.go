package vaultagent

import (
	"fmt"
	"time"

	verrors "github.com/porthorian/vaultagent/pkg/errors"
	vaultstore "github.com/porthorian/vaultagent/pkg/store/vault"
)

type StoreBackend string

const (
	StoreBackendNone  StoreBackend = "none"
	StoreBackendVault StoreBackend = "vault"
)

type RuntimeConfig struct {
	Store StoreConfig
}

type StoreConfig struct {
	Backend StoreBackend
	Vault   VaultStoreConfig
}

type VaultStoreConfig struct {
	Address       string
	Namespace     string
	CACert        string
	TLSSkipVerify bool
	Timeout       time.Duration
}

const (
	defaultCacheTTL     = 5 * time.Minute
	defaultMaxCacheSize = 1000
	defaultTimeout      = 30 * time.Second
)

func (c Config) initialize() (Config, error) {
	config := c
	config.Logger = resolveLogger(config.Logger)

	if config.CacheTTL == 0 {
		config.CacheTTL = defaultCacheTTL
	}
	if config.CacheTTL < 0 {
		// Negative disables caching entirely; the cache passes every
		// read through.
		config.CacheTTL = 0
	}
	if config.MaxCacheSize == 0 {
		config.MaxCacheSize = defaultMaxCacheSize
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultTimeout
	}

	resolved, err := initializeStore(config)
	if err != nil {
		return Config{}, err
	}

	return resolved, nil
}

func initializeStore(config Config) (Config, error) {
	backend := config.Runtime.Store.Backend
	if backend == "" {
		backend = StoreBackendNone
	}

	switch backend {
	case StoreBackendNone:
		return config, nil
	case StoreBackendVault:
		return initializeVault(config)
	default:
		return Config{}, verrors.New(verrors.CodeInvalidConfig, fmt.Sprintf("vaultagent config: unsupported runtime.store.backend %q", backend))
	}
}

func initializeVault(config Config) (Config, error) {
	vaultConfig := config.Runtime.Store.Vault
	if vaultConfig.Address == "" {
		return Config{}, verrors.New(verrors.CodeInvalidConfig, "vaultagent config: runtime.store.vault.address is required")
	}
	if vaultConfig.Timeout <= 0 {
		vaultConfig.Timeout = config.RequestTimeout
	}

	adapter, err := vaultstore.NewAdapter(vaultstore.Config{
		Address:       vaultConfig.Address,
		Namespace:     vaultConfig.Namespace,
		CACert:        vaultConfig.CACert,
		TLSSkipVerify: vaultConfig.TLSSkipVerify,
		Timeout:       vaultConfig.Timeout,
		KVMount:       config.KVMount,
		DatabaseMount: config.DatabaseMount,
	})
	if err != nil {
		return Config{}, verrors.Wrap(verrors.CodeInvalidConfig, "vaultagent config: failed to initialize vault store backend", err)
	}

	if config.Store == nil {
		config.Store = adapter
	}

	config.Runtime.Store.Vault = vaultConfig
	config.Logger.V(1).Info("initialized vault store backend", "address", vaultConfig.Address, "namespace", vaultConfig.Namespace)
	return config, nil
}
