package resolve

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Memo is a keyed memoized task: results are cached for a staleness window
// and concurrent callers for the same key attach to one in-flight fetch.
//
// Every key with a fetch outstanding carries a generation. Invalidating the
// key moves it to a new generation: a fetch started under an older one still
// answers the callers attached to it but never writes the cache, and new
// callers start a fresh fetch instead of attaching to it. Generations are
// dropped once the last fetch for a key finishes, so only keys in flight are
// tracked.
type Memo[K comparable, V any] struct {
	name    string
	keyOf   func(K) string
	timeout time.Duration

	cache *expirable.LRU[K, V]
	group singleflight.Group

	mu       sync.Mutex
	seq      uint64
	inflight map[K]*generation
}

type generation struct {
	id      uint64
	flights int
}

// NewMemo creates a memo. keyOf must map distinct keys to distinct strings.
// timeout bounds a single shared fetch; it runs detached from any one
// caller's context because other callers may be attached to it.
func NewMemo[K comparable, V any](name string, size int, ttl, timeout time.Duration, keyOf func(K) string) *Memo[K, V] {
	if size <= 0 {
		size = 1024
	}
	return &Memo[K, V]{
		name:     name,
		keyOf:    keyOf,
		timeout:  timeout,
		cache:    expirable.NewLRU[K, V](size, nil, ttl),
		inflight: make(map[K]*generation),
	}
}

// generationLocked returns the generation of key, opening one when nothing
// is in flight. Ids are unique across keys and never reused.
func (m *Memo[K, V]) generationLocked(key K) *generation {
	g, ok := m.inflight[key]
	if !ok {
		m.seq++
		g = &generation{id: m.seq}
		m.inflight[key] = g
	}
	return g
}

func (m *Memo[K, V]) current(key K) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generationLocked(key).id
}

func (m *Memo[K, V]) begin(key K) (*generation, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.generationLocked(key)
	g.flights++
	return g, g.id
}

// finish stores v when no invalidation happened since the fetch began and
// forgets the key once its last fetch is done.
func (m *Memo[K, V]) finish(key K, g *generation, id uint64, v V, store bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if store && g.id == id {
		m.cache.Add(key, v)
	}
	g.flights--
	if g.flights == 0 && m.inflight[key] == g {
		delete(m.inflight, key)
	}
}

// Get returns the cached value for key or runs fetch. cached reports a
// cache hit. A caller whose ctx ends stops waiting; the shared fetch keeps
// running for the others.
func (m *Memo[K, V]) Get(ctx context.Context, key K, fetch func(ctx context.Context) (V, error)) (value V, cached bool, err error) {
	if v, ok := m.cache.Get(key); ok {
		cacheRequests.WithLabelValues(m.name, "hit").Inc()
		return v, true, nil
	}
	cacheRequests.WithLabelValues(m.name, "miss").Inc()

	flight := fmt.Sprintf("%s#%d", m.keyOf(key), m.current(key))

	results := m.group.DoChan(flight, func() (any, error) {
		fetchCtx := context.WithoutCancel(ctx)
		if m.timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, m.timeout)
			defer cancel()
		}

		g, id := m.begin(key)
		v, err := fetch(fetchCtx)
		m.finish(key, g, id, v, err == nil)
		return v, err
	})

	select {
	case res := <-results:
		if res.Err != nil {
			var zero V
			return zero, false, res.Err
		}
		return res.Val.(V), false, nil
	case <-ctx.Done():
		var zero V
		return zero, false, ctx.Err()
	}
}

// Invalidate drops key so the next Get fetches again.
func (m *Memo[K, V]) Invalidate(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bumpLocked(key)
	m.cache.Remove(key)
}

// InvalidateWhere drops every key matching pred, cached or in flight.
func (m *Memo[K, V]) InvalidateWhere(pred func(K) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.inflight {
		if pred(key) {
			m.bumpLocked(key)
		}
	}
	for _, key := range m.cache.Keys() {
		if pred(key) {
			m.cache.Remove(key)
		}
	}
}

// Purge drops everything, including results of fetches still in flight.
func (m *Memo[K, V]) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.inflight {
		m.bumpLocked(key)
	}
	m.cache.Purge()
}

func (m *Memo[K, V]) bumpLocked(key K) {
	if g, ok := m.inflight[key]; ok {
		m.seq++
		g.id = m.seq
	}
}

// Len reports the number of cached entries.
func (m *Memo[K, V]) Len() int {
	return m.cache.Len()
}

// tracked reports how many keys have a generation, for tests.
func (m *Memo[K, V]) tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}
