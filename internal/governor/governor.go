// Package governor implements the per-group token-bucket bandwidth pacer
// (spec §4.3). It is the one component in this subsystem with a
// continuously running background goroutine (the refill ticker), mirroring
// the always-on posture of the teacher's BandwidthThrottler.Wait loop, but
// reshaped around partial grants and refunds, which a plain throttler
// cannot express.
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/slskd/slskd-core/internal/group"
)

// RefillInterval is the spec-mandated tick at which every bucket is topped
// back up to its capacity (spec §4.3: "refill interval = 100ms").
const RefillInterval = 100 * time.Millisecond

// Classifier resolves a username to its current group name. The Governor
// calls this on every acquire, not just once at Enqueue, so moving a user
// between groups takes effect on their next acquire (spec §4.3).
type Classifier interface {
	ResolveGroup(username string) string
}

// GroupLookup exposes the live, reconfigurable set of groups the Governor
// sizes its buckets from. It is satisfied by *queue.Queue.
type GroupLookup interface {
	Groups() map[string]*group.Group
}

type bucket struct {
	mu       sync.Mutex
	tokens   int64
	capacity int64
	unlimited bool
	signal   chan struct{}
}

func newBucket(capacity int64) *bucket {
	return &bucket{
		tokens:    capacity,
		capacity:  capacity,
		unlimited: capacity <= 0,
		signal:    make(chan struct{}),
	}
}

// wake broadcasts to every current waiter and arms a fresh channel for the
// next generation of waiters. Must be called with mu held.
func (b *bucket) wake() {
	close(b.signal)
	b.signal = make(chan struct{})
}

func (b *bucket) refill() {
	if b.unlimited {
		return
	}
	b.mu.Lock()
	if b.tokens < b.capacity {
		b.tokens = b.capacity
		b.wake()
	}
	b.mu.Unlock()
}

// acquire blocks cooperatively until at least one byte is available or ctx
// is cancelled, then returns a (possibly partial) grant.
func (b *bucket) acquire(ctx context.Context, requested uint64) (uint64, error) {
	if b.unlimited {
		return requested, nil
	}
	for {
		b.mu.Lock()
		if b.tokens > 0 {
			granted := requested
			if uint64(b.tokens) < granted {
				granted = uint64(b.tokens)
			}
			b.tokens -= int64(granted)
			b.mu.Unlock()
			return granted, nil
		}
		ch := b.signal
		b.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (b *bucket) refund(amount uint64) {
	if b.unlimited || amount == 0 {
		return
	}
	b.mu.Lock()
	b.tokens += int64(amount)
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.wake()
	b.mu.Unlock()
}

// capacityFor renders spec §4.3's sizing formula: capacity = (speedLimitKiBps
// * 1024) / 10 bytes. A zero speed limit means unlimited.
func capacityFor(g *group.Group) int64 {
	if g == nil || g.SpeedLimitKiBps == 0 {
		return 0
	}
	return int64(g.SpeedLimitKiBps) * 1024 / 10
}

// Governor owns one bucket per group plus a distinguished default bucket
// used when a named group bucket has been deleted by reconfiguration out
// from under an in-flight acquire (spec §4.3).
type Governor struct {
	classifier Classifier
	groups     GroupLookup

	mu      sync.RWMutex
	buckets map[string]*bucket
	fallback *bucket

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Governor and starts its refill ticker. Call Close to
// stop the ticker on shutdown.
func New(classifier Classifier, groups GroupLookup) *Governor {
	g := &Governor{
		classifier: classifier,
		groups:     groups,
		buckets:    make(map[string]*bucket),
		fallback:   newBucket(0),
		stop:       make(chan struct{}),
	}
	g.Reconcile()
	g.wg.Add(1)
	go g.refillLoop()
	return g
}

func (g *Governor) refillLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(RefillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.mu.RLock()
			for _, b := range g.buckets {
				b.refill()
			}
			g.mu.RUnlock()
		case <-g.stop:
			return
		}
	}
}

// Close stops the refill goroutine. Waiters parked in acquire still unblock
// via their caller's ctx cancellation during shutdown.
func (g *Governor) Close() {
	close(g.stop)
	g.wg.Wait()
}

// Reconcile rebuilds the bucket set from the current groups, preserving
// any bucket whose group name persists with an unchanged capacity (so
// in-flight accounting is not reset by an unrelated reconfiguration),
// replacing it with a fresh bucket when the capacity changed, and dropping
// buckets for groups that no longer exist. In-flight acquires against a dropped bucket keep
// their reference and drain naturally; new acquires for that group name
// fall through to the fallback bucket until the name reappears.
func (g *Governor) Reconcile() {
	current := g.groups.Groups()

	g.mu.Lock()
	defer g.mu.Unlock()
	next := make(map[string]*bucket, len(current))
	for name, grp := range current {
		capacity := capacityFor(grp)
		if existing, ok := g.buckets[name]; ok && existing.capacity == capacity {
			next[name] = existing
			continue
		}
		next[name] = newBucket(capacity)
	}
	g.buckets = next
}

func (g *Governor) bucketFor(name string) *bucket {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if b, ok := g.buckets[name]; ok {
		return b
	}
	return g.fallback
}

// GetBytesAsync returns up to requested bytes, blocking until at least one
// is available or ctx is cancelled. Grants may be partial.
func (g *Governor) GetBytesAsync(ctx context.Context, username string, requested uint64) (uint64, error) {
	if requested == 0 {
		return 0, nil
	}
	name := g.classifier.ResolveGroup(username)
	return g.bucketFor(name).acquire(ctx, requested)
}

// ReturnBytes returns granted-actual tokens to the username's current
// group bucket. attempted is accepted for signature symmetry with the
// spec's metrics contract; this implementation does not record it.
func (g *Governor) ReturnBytes(username string, attempted, granted, actual uint64) {
	_ = attempted
	if granted <= actual {
		return
	}
	name := g.classifier.ResolveGroup(username)
	g.bucketFor(name).refund(granted - actual)
}
