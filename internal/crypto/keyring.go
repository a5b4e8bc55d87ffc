package crypto

import (
	"fmt"
	"sync"
	"time"
)

// MemoryKeyStore is an in-memory KeyStorePort, suitable for tests and
// the demo binary. Production callers supply their own implementation
// backed by the external key-management vault.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string]AggregateKey
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]AggregateKey)}
}

func (s *MemoryKeyStore) GetAggregateKey(aggregateID string) (AggregateKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[aggregateID]
	return k, ok, nil
}

func (s *MemoryKeyStore) SaveAggregateKey(aggregateID string, key AggregateKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[aggregateID] = key
	return nil
}

// SingleMasterKeyring is a default KeyringManager: each aggregate's key
// is generated once and wrapped ("keyring update") under one master
// key so it can be carried on the first event of the stream.
// CreateInitialUpdate always wraps at epoch 0; this type has no
// operation that rotates a key or advances its epoch.
type SingleMasterKeyring struct {
	aead      CryptoServicePort
	masterKey AggregateKey
	store     KeyStorePort

	mu     sync.Mutex
	epochs map[string]int
}

func NewSingleMasterKeyring(aead CryptoServicePort, masterKey AggregateKey, store KeyStorePort) *SingleMasterKeyring {
	return &SingleMasterKeyring{
		aead:      aead,
		masterKey: masterKey,
		store:     store,
		epochs:    make(map[string]int),
	}
}

func wrapAAD(aggregateID string, epoch int) string {
	return fmt.Sprintf("keyring|%s|v%d", aggregateID, epoch)
}

func (k *SingleMasterKeyring) CreateInitialUpdate(aggregateID string, key AggregateKey, occurredAt time.Time) (*KeyringUpdate, error) {
	ciphertext, err := k.aead.Encrypt(key, k.masterKey, wrapAAD(aggregateID, 0))
	if err != nil {
		return nil, fmt.Errorf("wrap initial key: %w", err)
	}
	if err := k.store.SaveAggregateKey(aggregateID, key); err != nil {
		return nil, fmt.Errorf("save aggregate key: %w", err)
	}
	k.mu.Lock()
	k.epochs[aggregateID] = 0
	k.mu.Unlock()
	return &KeyringUpdate{Epoch: 0, Ciphertext: ciphertext}, nil
}

func (k *SingleMasterKeyring) ResolveKeyForEvent(ref EventKeyRef) (AggregateKey, error) {
	if len(ref.KeyringUpdate) > 0 {
		epoch := 0
		if ref.Epoch != nil {
			epoch = *ref.Epoch
		}
		key, err := k.aead.Decrypt(ref.KeyringUpdate, k.masterKey, wrapAAD(ref.AggregateID, epoch))
		if err != nil {
			return nil, fmt.Errorf("unwrap keyring update: %w", err)
		}
		if err := k.store.SaveAggregateKey(ref.AggregateID, key); err != nil {
			return nil, fmt.Errorf("save aggregate key: %w", err)
		}
		k.mu.Lock()
		if epoch > k.epochs[ref.AggregateID] {
			k.epochs[ref.AggregateID] = epoch
		}
		k.mu.Unlock()
		return key, nil
	}

	key, ok, err := k.store.GetAggregateKey(ref.AggregateID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrMissingKey
	}
	return key, nil
}

func (k *SingleMasterKeyring) GetCurrentEpoch(aggregateID string) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.epochs[aggregateID], nil
}
