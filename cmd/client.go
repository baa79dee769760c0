package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/porthorian/vaultagent"
)

type clientConfig struct {
	Address   string
	Namespace string
	RoleID    string
	SecretID  string
	KVMount   string
	DBMount   string
	Timeout   time.Duration
}

func (c clientConfig) resolve() (clientConfig, error) {
	if c.Address == "" {
		c.Address = os.Getenv("VAULTAGENT_ADDR")
	}
	if c.Namespace == "" {
		c.Namespace = os.Getenv("VAULTAGENT_NAMESPACE")
	}
	if c.RoleID == "" {
		c.RoleID = os.Getenv("VAULTAGENT_ROLE_ID")
	}
	if c.SecretID == "" {
		c.SecretID = os.Getenv("VAULTAGENT_SECRET_ID")
	}

	if c.Address == "" {
		return clientConfig{}, fmt.Errorf("vault address is required (--address or VAULTAGENT_ADDR)")
	}
	if c.RoleID == "" || c.SecretID == "" {
		return clientConfig{}, fmt.Errorf("approle credentials are required (--role-id/--secret-id or VAULTAGENT_ROLE_ID/VAULTAGENT_SECRET_ID)")
	}

	return c, nil
}

func newClient(cfg clientConfig) (*vaultagent.Client, error) {
	resolved, err := cfg.resolve()
	if err != nil {
		return nil, err
	}

	return vaultagent.NewDefault(vaultagent.Config{
		RoleID:         resolved.RoleID,
		SecretID:       resolved.SecretID,
		KVMount:        resolved.KVMount,
		DatabaseMount:  resolved.DBMount,
		RequestTimeout: resolved.Timeout,
		Runtime: vaultagent.RuntimeConfig{
			Store: vaultagent.StoreConfig{
				Backend: vaultagent.StoreBackendVault,
				Vault: vaultagent.VaultStoreConfig{
					Address:   resolved.Address,
					Namespace: resolved.Namespace,
				},
			},
		},
	})
}
