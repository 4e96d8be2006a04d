package crypto

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// PlainCache caches decrypted payloads keyed by immutable record id, so
// redelivered envelopes skip redundant secretbox opens.
type PlainCache struct {
	c *ristretto.Cache[string, []byte]
}

// NewPlainCache creates a bounded plaintext cache. maxCostBytes limits the
// total size of cached plaintext.
func NewPlainCache(maxCostBytes int64) (*PlainCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &PlainCache{c: c}, nil
}

func (p *PlainCache) Get(id string) ([]byte, bool) {
	return p.c.Get(id)
}

func (p *PlainCache) Set(id string, plaintext []byte) {
	p.c.SetWithTTL(id, plaintext, int64(len(plaintext)), time.Hour)
}

func (p *PlainCache) Close() {
	p.c.Close()
}
