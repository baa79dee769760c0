package vaultagent

import (
	"github.com/porthorian/vaultagent/pkg/cache"
	"github.com/porthorian/vaultagent/pkg/store"
)

// SecretStore is the transport the agent authenticates and reads
// through. The library ships a Vault implementation in
// pkg/store/vault; anything satisfying the interface works.
type SecretStore = store.SecretStore

// Credential is a database credential issued through the store.
type Credential = store.Credential

// SecretValue is a KV secret read from the store.
type SecretValue = store.SecretValue

// CacheStats is a snapshot of the client cache counters.
type CacheStats = cache.Stats
