package entitystore

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// payloadCache keeps recently fetched payloads by remote key so repeated
// recovery fetches do not hit the network. A nil cache is valid and caches
// nothing.
type payloadCache struct {
	c   *ristretto.Cache
	ttl time.Duration
}

// newPayloadCache returns nil when maxBytes is not positive.
func newPayloadCache(maxBytes int64, ttl time.Duration) (*payloadCache, error) {
	if maxBytes <= 0 {
		return nil, nil
	}
	counters := maxBytes / 100
	if counters < 1000 {
		counters = 1000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &payloadCache{c: c, ttl: ttl}, nil
}

func (p *payloadCache) get(key string) ([]byte, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

func (p *payloadCache) set(key string, payload []byte) {
	if p == nil || len(payload) == 0 {
		return
	}
	if p.ttl > 0 {
		p.c.SetWithTTL(key, payload, int64(len(payload)), p.ttl)
		return
	}
	p.c.Set(key, payload, int64(len(payload)))
}

func (p *payloadCache) del(key string) {
	if p == nil {
		return
	}
	p.c.Del(key)
}

// wait blocks until buffered writes are applied. Used by tests.
func (p *payloadCache) wait() {
	if p == nil {
		return
	}
	p.c.Wait()
}

func (p *payloadCache) close() {
	if p == nil {
		return
	}
	p.c.Close()
}
