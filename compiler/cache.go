package compiler

import (
	"context"
	"encoding/json"
	"sync"

	"lukechampine.com/blake3"
)

// Cached memoizes successful compilations keyed by a hash of the source text.
// Embedded views tend to recompile the same contract on every page interaction;
// the cache keeps that from hammering the compiler binary. Failures are not
// cached so a fixed toolchain is picked up on the next call.
type Cached struct {
	inner Compiler

	mu      sync.RWMutex
	results map[[32]byte]json.RawMessage
}

func NewCached(inner Compiler) *Cached {
	return &Cached{
		inner:   inner,
		results: make(map[[32]byte]json.RawMessage),
	}
}

func (c *Cached) Compile(ctx context.Context, source string) (json.RawMessage, error) {
	key := blake3.Sum256([]byte(source))

	c.mu.RLock()
	artifacts, ok := c.results[key]
	c.mu.RUnlock()
	if ok {
		return artifacts, nil
	}

	artifacts, err := c.inner.Compile(ctx, source)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.results[key] = artifacts
	c.mu.Unlock()
	return artifacts, nil
}

var _ Compiler = (*Cached)(nil)
