/*
Package redkv — background expiration sweeper.

remove_expired_keys in the design is a probabilistic sweep modeled directly
on the source's algorithm: repeatedly sample a handful of keys at random
across the whole keyspace, evict the ones whose deadline has passed, and
keep going only as long as a meaningful fraction of each sample was
actually expired. This amortizes expiry cost without ever holding a lock
across more than a single key's check.
*/
package redkv

import (
	"context"
	"math/rand"
	"time"
)

const (
	sweepSampleSize    = 20
	sweepExpiredRatio  = 0.25
	defaultSweepPeriod = 100 * time.Millisecond
)

// RemoveExpiredKeys runs one probabilistic sweep pass to completion: it
// repeatedly samples sweepSampleSize keys uniformly at random from the
// current keyset, evicts the ones that have expired, and stops once a
// sample expires fewer than sweepExpiredRatio of its keys, or the keyset
// is too small to sample. Each per-key check locks only that key's shard,
// never the whole store, so a sweep never blocks concurrent command
// processing for longer than a single lookup.
func (s *Store) RemoveExpiredKeys() {
	for {
		keys := s.sampleKeys(sweepSampleSize)
		if len(keys) < sweepSampleSize {
			return
		}

		var expired int
		for _, key := range keys {
			sh := s.shardFor(key)
			sh.mu.Lock()
			if e, ok := sh.data[key]; ok && e.expired(s.clock.NowNS()) {
				delete(sh.data, key)
				expired++
			}
			sh.mu.Unlock()
		}

		if float64(expired)/float64(len(keys)) < sweepExpiredRatio {
			return
		}
	}
}

// sampleKeys draws up to n keys uniformly at random from across all
// shards. It snapshots each shard's key list under that shard's own lock,
// never holding more than one shard locked at a time.
func (s *Store) sampleKeys(n int) []string {
	var all []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k := range sh.data {
			all = append(all, k)
		}
		sh.mu.Unlock()
	}
	if len(all) < n {
		return all
	}

	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all[:n]
}

// Sweeper periodically invokes Store.RemoveExpiredKeys until its context is
// canceled. Sweeper errors are impossible by construction (the sweep is
// best-effort and cannot fail), matching the design's propagation policy
// that background sweeper errors are swallowed.
type Sweeper struct {
	store    *Store
	interval time.Duration
}

// NewSweeper builds a Sweeper over store, sweeping every interval.
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepPeriod
	}
	return &Sweeper{store: store, interval: interval}
}

// Run blocks, sweeping on a ticker, until ctx is canceled. It is meant to
// be started in its own goroutine by the Server. Cancellation is checked
// between sweeps, so Run returns once any RemoveExpiredKeys call already in
// progress has finished.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.store.RemoveExpiredKeys()
		}
	}
}
