package keylock

import (
	"context"
	"sort"
	"sync"
	"time"
)

const numShards = 128

// Memory is a process-local Locker. Keys are hashed onto a fixed set of
// mutex shards; unrelated keys may share a shard, which only costs
// throughput. Shards are taken in ascending order so multi-key locks cannot
// deadlock against each other.
type Memory struct {
	shards [numShards]chan struct{}
	wait   time.Duration
}

// NewMemory returns a Memory locker. wait bounds how long Lock blocks when
// the caller's context has no deadline; zero means wait on ctx only.
func NewMemory(wait time.Duration) *Memory {
	m := &Memory{wait: wait}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock implements Locker.
func (m *Memory) Lock(ctx context.Context, keys ...string) (func(), error) {
	if _, ok := ctx.Deadline(); !ok && m.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.wait)
		defer cancel()
	}

	shards := m.shardsFor(normalizeKeys(keys))
	held := make([]int, 0, len(shards))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-m.shards[held[i]]
		}
	}

	for _, s := range shards {
		select {
		case m.shards[s] <- struct{}{}:
			held = append(held, s)
		case <-ctx.Done():
			release()
			return nil, ErrLockTimeout
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (m *Memory) shardsFor(keys []string) []int {
	seen := make(map[int]struct{}, len(keys))
	out := make([]int, 0, len(keys))
	for _, k := range keys {
		s := int(fnv32(k) % numShards)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}

// fnv32 is FNV-1a.
func fnv32(s string) uint32 {
	const (
		offset = 2166136261
		prime  = 16777619
	)
	h := uint32(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}
