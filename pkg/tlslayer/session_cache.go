package tlslayer

import (
	"crypto/tls"

	lru "github.com/hashicorp/golang-lru/v2"
)

// sessionCache is a bounded tls.ClientSessionCache. crypto/tls keys it by
// server name, or by remote address when no name is configured.
type sessionCache struct {
	c *lru.Cache[string, *tls.ClientSessionState]
}

var _ tls.ClientSessionCache = (*sessionCache)(nil)

func newSessionCache(size int) (*sessionCache, error) {
	if size <= 0 {
		size = DefaultSessionCacheSize
	}
	c, err := lru.New[string, *tls.ClientSessionState](size)
	if err != nil {
		return nil, err
	}
	return &sessionCache{c: c}, nil
}

func (s *sessionCache) Get(key string) (*tls.ClientSessionState, bool) {
	return s.c.Get(key)
}

// Put stores cs; a nil cs evicts the entry, as crypto/tls expects.
func (s *sessionCache) Put(key string, cs *tls.ClientSessionState) {
	if cs == nil {
		s.c.Remove(key)
		return
	}
	s.c.Add(key, cs)
}

func (s *sessionCache) Len() int { return s.c.Len() }
