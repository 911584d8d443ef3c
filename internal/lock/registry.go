package lock

import (
	"sort"
	"time"
)

// PathLock is a time-boxed claim on one normalized path.
type PathLock struct {
	Path       string        `json:"path" yaml:"path"`
	Holder     string        `json:"holder" yaml:"holder"`
	AcquiredAt time.Time     `json:"acquired_at" yaml:"acquired_at"`
	TTL        time.Duration `json:"ttl" yaml:"ttl"`
}

func (l PathLock) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.TTL)
}

// Expired reports whether the lock is no longer live at now. A lock is live
// through the instant AcquiredAt+TTL.
func (l PathLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt())
}

// PathRegistry tracks path locks held by agents. Callers serialize access.
type PathRegistry struct {
	ttl   time.Duration
	locks map[string]PathLock
}

func NewPathRegistry(ttl time.Duration) *PathRegistry {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &PathRegistry{
		ttl:   ttl,
		locks: make(map[string]PathLock),
	}
}

func (r *PathRegistry) TTL() time.Duration { return r.ttl }

// Acquire locks every path for holder or none of them. Expired locks met on
// the way are dropped. A path already held live by the same holder counts as
// acquired and is left as is.
func (r *PathRegistry) Acquire(paths []string, holder string, now time.Time) bool {
	acquired := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true

		if cur, ok := r.locks[p]; ok {
			if !cur.Expired(now) {
				if cur.Holder == holder {
					continue
				}
				r.Release(acquired)
				return false
			}
			delete(r.locks, p)
		}
		r.locks[p] = PathLock{Path: p, Holder: holder, AcquiredAt: now, TTL: r.ttl}
		acquired = append(acquired, p)
	}
	return true
}

// Release drops the given paths regardless of holder. Unknown paths are ignored.
func (r *PathRegistry) Release(paths []string) {
	for _, p := range paths {
		delete(r.locks, p)
	}
}

// ReleaseHeld drops only the paths still held by holder and returns how many
// were released. Locks that expired and were re-acquired by another holder stay.
func (r *PathRegistry) ReleaseHeld(holder string, paths []string) int {
	n := 0
	for _, p := range paths {
		if cur, ok := r.locks[p]; ok && cur.Holder == holder {
			delete(r.locks, p)
			n++
		}
	}
	return n
}

// Sweep removes every expired lock and returns them sorted by path.
func (r *PathRegistry) Sweep(now time.Time) []PathLock {
	var expired []PathLock
	for p, l := range r.locks {
		if l.Expired(now) {
			expired = append(expired, l)
			delete(r.locks, p)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Path < expired[j].Path })
	return expired
}

// Held counts locks live at now.
func (r *PathRegistry) Held(now time.Time) int {
	n := 0
	for _, l := range r.locks {
		if !l.Expired(now) {
			n++
		}
	}
	return n
}

// Holder returns the live holder of path, if any.
func (r *PathRegistry) Holder(path string, now time.Time) (string, bool) {
	l, ok := r.locks[path]
	if !ok || l.Expired(now) {
		return "", false
	}
	return l.Holder, true
}

// Snapshot returns the live locks sorted by path.
func (r *PathRegistry) Snapshot(now time.Time) []PathLock {
	out := make([]PathLock, 0, len(r.locks))
	for _, l := range r.locks {
		if !l.Expired(now) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
