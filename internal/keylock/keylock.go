// Package keylock serializes work on overlapping identity keys.
//
// An identify pipeline locks every normalized key it was seeded with
// ("email:<v>", "phone:<v>") plus the keys of the cluster those reach, for
// the duration of discovery, resolution and insertion, so at most one
// mutating pipeline runs per cluster at a time. Callers widen the set by
// releasing and locking again, never by locking while holding.
// Two implementations are provided:
//
//   - Memory: sharded mutexes for single-process deployments.
//   - Redis:  SET NX PX leases, renewed while held, for deployments with
//     several instances.
package keylock

import (
	"context"
	"errors"
	"sort"
)

// ErrLockTimeout is returned when the locks could not be acquired before the
// context deadline or the locker's wait budget ran out.
var ErrLockTimeout = errors.New("timed out acquiring identity lock")

// Locker acquires all keys atomically from the caller's point of view and
// returns a function that releases them. Unlock is safe to call once.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

// EmailKey and PhoneKey build namespaced lock keys.
func EmailKey(email string) string { return "email:" + email }
func PhoneKey(phone string) string { return "phone:" + phone }

// normalizeKeys drops empty keys, de-duplicates and sorts so every caller
// acquires in the same order.
func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
