// Package mapping owns the source→target message correspondence: a durable
// store behind a capacity-bounded LRU cache that is never ahead of the store.
package mapping
