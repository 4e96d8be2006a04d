package crypto

import "sync"

// KeyCache owns the decrypted per-entity data keys. Other components look
// keys up by entity id; they never copy key material into their own state.
type KeyCache struct {
	mu       sync.RWMutex
	byEntity map[string]*SecretKey
	account  *SecretKey
}

func NewKeyCache(accountKey *SecretKey) *KeyCache {
	return &KeyCache{
		byEntity: make(map[string]*SecretKey),
		account:  accountKey,
	}
}

// Put registers the data key for an entity.
func (c *KeyCache) Put(entityID string, key *SecretKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byEntity[entityID] = key
}

// Get returns the entity's data key, falling back to the account key for
// entities encrypted without a dedicated key.
func (c *KeyCache) Get(entityID string) (*SecretKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if key, ok := c.byEntity[entityID]; ok {
		return key, true
	}
	if c.account != nil {
		return c.account, true
	}
	return nil, false
}

// Drop forgets an entity's key, e.g. after delete-session.
func (c *KeyCache) Drop(entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byEntity, entityID)
}

// Reset clears every entity key. Used on logout and on missing-key-material
// fallback before a full refetch.
func (c *KeyCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byEntity = make(map[string]*SecretKey)
}
