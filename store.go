/*
Package redkv — in-memory data store.

This file implements the Store: a sharded, thread-safe mapping from binary
key to a heterogeneous value (string or list) with optional per-key
expiry. It is the sole piece of shared mutable state in the server; every
public method is atomic for the keys it touches and never blocks on
network I/O while holding a lock.

Sharding: keys are hashed with github.com/cespare/xxhash/v2 into one of N
shards (N a power of two, default 32), each guarded by its own mutex. This
follows the "legitimate refinement" the design explicitly allows over a
single coarse mutex: it preserves every operation's atomicity while letting
unrelated keys proceed without contending on the same lock. Multi-key
operations (Del, ExistsCount) sort the shard indices of their keys
ascending and lock them in that order so two connections issuing
overlapping multi-key commands can never deadlock.
*/
package redkv

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// valueKind distinguishes the two storable shapes. Integers are not a
// third kind: INCR/DECR parse the string kind as a signed 64-bit decimal
// on read and re-serialize on write, keeping GET/SET symmetric with
// INCR/DECR.
type valueKind int

const (
	kindString valueKind = iota
	kindList
)

// entry is one stored record.
type entry struct {
	kind     valueKind
	str      []byte
	list     [][]byte
	expireAt int64 // nanoseconds on the Store's Clock; zero means no expiry
}

func (e *entry) expired(now int64) bool {
	return e.expireAt != 0 && e.expireAt <= now
}

// Clock is the monotonic nanosecond time source the Store and Sweeper use
// for expiry deadlines. Production code uses NewClock; tests can substitute
// a fake to assert expiry boundaries deterministically.
type Clock interface {
	NowNS() int64
}

// realClock anchors a start instant at construction and reports elapsed
// nanoseconds, which stays monotonic across wall-clock adjustments because
// it is built from time.Since rather than time.Now().UnixNano(): time.Time
// values carry a monotonic reading that Since uses instead of wall time.
type realClock struct {
	start time.Time
}

// NewClock returns the production Clock implementation.
func NewClock() Clock {
	return &realClock{start: time.Now()}
}

func (c *realClock) NowNS() int64 {
	return int64(time.Since(c.start))
}

// FakeClock is a settable Clock for deterministic expiry tests.
type FakeClock struct {
	mu  sync.Mutex
	now int64
}

// NewFakeClock returns a FakeClock starting at ns.
func NewFakeClock(ns int64) *FakeClock {
	return &FakeClock{now: ns}
}

// NowNS implements Clock.
func (f *FakeClock) NowNS() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by delta nanoseconds.
func (f *FakeClock) Advance(delta int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now += delta
}

// Set pins the fake clock to an absolute nanosecond value.
func (f *FakeClock) Set(ns int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = ns
}

// shard is one lock-partition of the Store's keyspace.
type shard struct {
	mu   sync.Mutex
	data map[string]*entry
}

// Store is the sharded, thread-safe key/value map backing the command
// layer's GET/SET/DEL/EXISTS/INCR/DECR/LPUSH/RPUSH/LRANGE semantics.
type Store struct {
	shards []*shard
	mask   uint64
	clock  Clock
}

// StoreOption configures NewStore.
type StoreOption func(*storeConfig)

type storeConfig struct {
	shards int
	clock  Clock
}

// WithShards sets the number of lock shards. n is rounded up to the next
// power of two; the default is 32.
func WithShards(n int) StoreOption {
	return func(c *storeConfig) { c.shards = n }
}

// WithClock injects a Clock, primarily for tests.
func WithClock(clock Clock) StoreOption {
	return func(c *storeConfig) { c.clock = clock }
}

// NewStore creates an empty Store.
func NewStore(opts ...StoreOption) *Store {
	cfg := storeConfig{shards: 32}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = NewClock()
	}
	n := nextPowerOfTwo(cfg.shards)

	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{data: make(map[string]*entry)}
	}
	return &Store{shards: shards, mask: uint64(n - 1), clock: cfg.clock}
}

func nextPowerOfTwo(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)&s.mask]
}

// shardIndex returns the shard index for key, used to order locks across
// multiple keys.
func (s *Store) shardIndex(key string) uint64 {
	return xxhash.Sum64String(key) & s.mask
}

// withShardsLocked locks the distinct shards touched by keys, in ascending
// index order, runs fn, then unlocks them. This fixed ordering is what
// makes multi-key operations safe against concurrent multi-key operations
// on overlapping keys.
func (s *Store) withShardsLocked(keys []string, fn func()) {
	idxSet := make(map[uint64]struct{}, len(keys))
	for _, k := range keys {
		idxSet[s.shardIndex(k)] = struct{}{}
	}
	idxs := make([]uint64, 0, len(idxSet))
	for i := range idxSet {
		idxs = append(idxs, i)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	for _, i := range idxs {
		s.shards[i].mu.Lock()
		defer s.shards[i].mu.Unlock()
	}
	fn()
}

// getLocked returns the live (non-expired) entry for key, evicting it
// eagerly if its deadline has passed. Caller must hold sh.mu.
func (s *Store) getLocked(sh *shard, key string) (*entry, bool) {
	e, ok := sh.data[key]
	if !ok {
		return nil, false
	}
	if e.expired(s.clock.NowNS()) {
		delete(sh.data, key)
		return nil, false
	}
	return e, true
}

// Get returns the byte-string value stored at key, or (nil, false) if the
// key is absent, expired, or holds a non-string value.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := s.getLocked(sh, key)
	if !ok || e.kind != kindString {
		return nil, false
	}
	out := make([]byte, len(e.str))
	copy(out, e.str)
	return out, true
}

// Set replaces key's value with v, clearing any prior expiry.
func (s *Store) Set(key string, v []byte) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.data[key] = &entry{kind: kindString, str: append([]byte(nil), v...)}
}

// SetWithExpiry replaces key's value with v and sets its deadline to
// now + ttlNS.
func (s *Store) SetWithExpiry(key string, v []byte, ttlNS int64) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.data[key] = &entry{
		kind:     kindString,
		str:      append([]byte(nil), v...),
		expireAt: s.clock.NowNS() + ttlNS,
	}
}

// Delete removes the keys that are present (and not expired), returning
// the count actually removed.
func (s *Store) Delete(keys ...string) int {
	var removed int
	s.withShardsLocked(keys, func() {
		for _, key := range keys {
			sh := s.shardFor(key)
			if _, ok := s.getLocked(sh, key); ok {
				delete(sh.data, key)
				removed++
			}
		}
	})
	return removed
}

// ExistsCount returns how many of keys are present and not expired,
// counting duplicates in the input once per occurrence (matching Redis'
// own EXISTS semantics).
func (s *Store) ExistsCount(keys ...string) int {
	var count int
	s.withShardsLocked(keys, func() {
		for _, key := range keys {
			sh := s.shardFor(key)
			if _, ok := s.getLocked(sh, key); ok {
				count++
			}
		}
	})
	return count
}

// ErrNotInteger is returned by Incr/Decr when the current value cannot be
// parsed as a signed 64-bit decimal integer.
var ErrNotInteger = newCommandError("value is not an integer or out of range")

// ErrWrongType is returned by list operations against a key holding a
// non-list value, and vice versa.
var ErrWrongType = newCommandError("WRONGTYPE Operation against a key holding the wrong kind of value")

type commandError struct{ msg string }

func (e *commandError) Error() string { return e.msg }

func newCommandError(msg string) error { return &commandError{msg} }

// Incr parses key's current value as a signed 64-bit decimal (treating a
// missing key as 0), adds delta, stores the decimal result, and returns it.
func (s *Store) Incr(key string, delta int64) (int64, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var cur int64
	e, ok := s.getLocked(sh, key)
	if ok {
		if e.kind != kindString {
			return 0, ErrWrongType
		}
		parsed, err := strconv.ParseInt(string(e.str), 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		cur = parsed
	}

	next := cur + delta
	if (delta > 0 && next < cur) || (delta < 0 && next > cur) {
		return 0, newCommandError("increment or decrement would overflow")
	}

	sh.data[key] = &entry{kind: kindString, str: []byte(strconv.FormatInt(next, 10))}
	return next, nil
}

// pushSide selects which end of a list LPush/RPush mutate.
type pushSide int

const (
	pushLeft pushSide = iota
	pushRight
)

// Push creates the list at key if absent and prepends (pushLeft) or
// appends (pushRight) v, returning the new length.
func (s *Store) Push(key string, side pushSide, v []byte) (int, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := s.getLocked(sh, key)
	if !ok {
		e = &entry{kind: kindList}
		sh.data[key] = e
	} else if e.kind != kindList {
		return 0, ErrWrongType
	}

	item := append([]byte(nil), v...)
	if side == pushLeft {
		e.list = append([][]byte{item}, e.list...)
	} else {
		e.list = append(e.list, item)
	}
	return len(e.list), nil
}

// LRange returns the inclusive sublist [start, stop] of key's list, after
// Redis-style negative-index normalization: negative indices count from
// the list's end, and out-of-range bounds are clamped rather than erroring.
func (s *Store) LRange(key string, start, stop int) ([][]byte, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := s.getLocked(sh, key)
	if !ok {
		return nil, nil
	}
	if e.kind != kindList {
		return nil, ErrWrongType
	}

	n := len(e.list)
	start, stop = normalizeRange(start, stop, n)
	if start > stop || start >= n {
		return [][]byte{}, nil
	}

	out := make([][]byte, stop-start+1)
	for i := range out {
		out[i] = append([]byte(nil), e.list[start+i]...)
	}
	return out, nil
}

// normalizeRange implements Redis-faithful LRANGE bound normalization:
// inclusive on both ends, negative indices counted from the list's end. A
// start still negative after that is raised to 0, and a stop past the end
// is lowered to n-1; other values are returned as they are, so the caller
// must treat start > stop or start >= n as an empty range.
func normalizeRange(start, stop, n int) (int, int) {
	if start < 0 {
		start += n
		if start < 0 {
			start = 0
		}
	}
	if stop < 0 {
		stop += n
	} else if stop > n-1 {
		stop = n - 1
	}
	return start, stop
}
