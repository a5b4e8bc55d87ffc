// Package crypto defines the AEAD and keyring collaborator ports used
// throughout the store, plus a default chacha20poly1305-backed
// implementation suitable for tests and the demo binary. Production
// deployments are expected to supply their own KeyStorePort backed by
// the key-management vault / WebAssembly module named in spec.md §1 —
// that vault is an external collaborator and is not implemented here.
package crypto

import "time"

// AggregateKey is an opaque symmetric key bound to one aggregate.
type AggregateKey []byte

// CryptoServicePort is the AEAD primitive boundary (spec.md §6).
// Concrete production implementations are an external collaborator;
// DefaultAEAD below is the module's own default/test implementation.
type CryptoServicePort interface {
	GenerateKey() (AggregateKey, error)
	Encrypt(plaintext []byte, key AggregateKey, aad string) ([]byte, error)
	Decrypt(ciphertext []byte, key AggregateKey, aad string) ([]byte, error)
}

// KeyStorePort resolves and persists per-aggregate keys.
type KeyStorePort interface {
	GetAggregateKey(aggregateID string) (AggregateKey, bool, error)
	SaveAggregateKey(aggregateID string, key AggregateKey) error
}

// KeyringUpdate is an AEAD-wrapped envelope piggybacked on an event
// that rotates or bootstraps an aggregate's key.
type KeyringUpdate struct {
	Epoch      int
	Ciphertext []byte
}

// EventKeyRef carries the fields KeyringManager needs to resolve the
// key for one event without depending on the eventstore package.
type EventKeyRef struct {
	AggregateType string
	AggregateID   string
	Epoch         *int
	KeyringUpdate []byte
}

// KeyringManager resolves the decryption key for an event, handling
// epoch advances and keyring-update envelopes carried on events.
type KeyringManager interface {
	ResolveKeyForEvent(ref EventKeyRef) (AggregateKey, error)
	CreateInitialUpdate(aggregateID string, key AggregateKey, occurredAt time.Time) (*KeyringUpdate, error)
	GetCurrentEpoch(aggregateID string) (int, error)
}
