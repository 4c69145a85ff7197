package dbus

import (
	"errors"
	"sync"
)

// errNotFound is the sentinel returned by cache.Get for keys with no
// cached outcome yet.
var errNotFound = errors.New("not found in cache")

// A cache memoizes the outcome of a per-key computation, including
// failed outcomes: a key whose computation failed stays failed.
//
// Used for the type-to-signature, type-to-encoder and type-to-decoder
// tables, which are append-only for the life of the process.
type cache[K comparable, V any] struct {
	m sync.Map // K -> cacheEntry[V]
}

type cacheEntry[V any] struct {
	val V
	err error
}

func (c *cache[K, V]) Get(k K) (V, error) {
	if ent, ok := c.m.Load(k); ok {
		e := ent.(cacheEntry[V])
		return e.val, e.err
	}
	var zero V
	return zero, errNotFound
}

func (c *cache[K, V]) Set(k K, v V) {
	c.m.LoadOrStore(k, cacheEntry[V]{val: v})
}

func (c *cache[K, V]) SetErr(k K, err error) {
	c.m.LoadOrStore(k, cacheEntry[V]{err: err})
}
