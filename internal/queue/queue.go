// Package queue implements the multi-group upload queue: a priority and
// fairness scheduler with per-group slot accounting (spec §4.4). A single
// mutex guards the whole structure; the teacher's UploadManager takes the
// same coarse-locking approach because its critical sections are short
// (map lookups and a handful of field writes), and this scheduler's are
// shorter still.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/slskd/slskd-core/internal/errs"
	"github.com/slskd/slskd-core/internal/group"
)

// GroupResolver resolves a username to its current group name, using
// cached classification only (spec §9: hot paths must not cross the
// network). *classifier.Classifier satisfies this.
type GroupResolver interface {
	ResolveGroup(username string) string
}

// Upload is the in-memory scheduling entry (spec §3). It is never
// persisted; the Transfer Store record is the durable counterpart.
type Upload struct {
	Username string
	Filename string

	Enqueued time.Time
	Ready    *time.Time
	Started  *time.Time

	// Group is the name the upload was pinned to when it started.
	Group string

	done chan struct{}
}

// Done returns the completion promise that resolves when the scheduler
// grants this upload a slot. Closed exactly once, by Process.
func (u *Upload) Done() <-chan struct{} { return u.done }

// Queue implements spec §4.4.
type Queue struct {
	mu sync.Mutex

	uploads map[string][]*Upload // keyed by username
	groups  map[string]*group.Group

	// lastReleased[group][username] backs the round-robin tie-break:
	// among Uploads tied on Ready, the user who has gone longest without
	// a release wins (spec scenario 2, "oldest-last-release wins").
	lastReleased map[string]map[string]time.Time

	resolver    GroupResolver
	globalSlots int
}

// New constructs a Queue with its initial set of groups.
func New(resolver GroupResolver, globalSlots int, groups map[string]*group.Group) *Queue {
	return &Queue{
		uploads:      make(map[string][]*Upload),
		groups:       groups,
		lastReleased: make(map[string]map[string]time.Time),
		resolver:     resolver,
		globalSlots:  globalSlots,
	}
}

// Groups returns the live groups map. Callers must not retain it past the
// current scheduling step; it may be replaced wholesale by SetGroups.
func (q *Queue) Groups() map[string]*group.Group {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.groups
}

// SetGlobalSlots updates the configured ceiling on concurrently-used
// slots across all groups.
func (q *Queue) SetGlobalSlots(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.globalSlots = n
}

// SetGroups atomically replaces the groups map, carrying over UsedSlots
// for any group whose name persists (spec §4.7). next must already
// contain the three built-in groups; callers (internal/reconfig) are
// responsible for that invariant.
func (q *Queue) SetGroups(next map[string]*group.Group) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for name, g := range next {
		if old, ok := q.groups[name]; ok {
			g.UsedSlots = old.UsedSlots
		}
	}
	q.groups = next
	q.process()
}

// Enqueue registers a new Upload for (user, filename) and runs the
// scheduler (spec §4.4 "Enqueue").
func (q *Queue) Enqueue(user, filename string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.uploads[user] = append(q.uploads[user], &Upload{
		Username: user,
		Filename: filename,
		Enqueued: time.Now(),
		done:     make(chan struct{}),
	})
	q.process()
}

// AwaitStartAsync marks (user, filename) ready to start and returns its
// completion promise. Enqueue must precede this call.
func (q *Queue) AwaitStartAsync(user, filename string) (<-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	u := q.find(user, filename)
	if u == nil {
		return nil, errs.ErrNotFound
	}
	now := time.Now()
	u.Ready = &now
	q.process()
	return u.done, nil
}

// Complete releases the slot held by (user, filename), if any, and
// removes the Upload entry (spec §4.4 "Complete").
func (q *Queue) Complete(user, filename string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.uploads[user]
	for i, u := range list {
		if u.Filename != filename {
			continue
		}
		if u.Group != "" {
			if g, ok := q.groups[u.Group]; ok && g.UsedSlots > 0 {
				g.UsedSlots--
			}
			if q.lastReleased[u.Group] == nil {
				q.lastReleased[u.Group] = make(map[string]time.Time)
			}
			q.lastReleased[u.Group][user] = time.Now()
		}
		list = append(list[:i], list[i+1:]...)
		break
	}
	if len(list) == 0 {
		delete(q.uploads, user)
	} else {
		q.uploads[user] = list
	}
	q.process()
}

// GetGroupInfo returns a snapshot of the named group.
func (q *Queue) GetGroupInfo(name string) (group.Info, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.groups[name]
	if !ok {
		return group.Info{}, false
	}
	return g.Info(), true
}

func (q *Queue) find(user, filename string) *Upload {
	for _, u := range q.uploads[user] {
		if u.Filename == filename {
			return u
		}
	}
	return nil
}

// UploadFor returns the in-memory Upload entry for (user, filename), if
// any. Exposed for tests and for the lifecycle engine to inspect the
// scheduling entry it is waiting on.
func (q *Queue) UploadFor(user, filename string) *Upload {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.find(user, filename)
}

// process is the scheduler (spec §4.4 "Process"). Must be called with mu
// held. Releases at most one Upload per call.
func (q *Queue) process() {
	total := 0
	for _, g := range q.groups {
		total += g.UsedSlots
	}
	if total >= q.globalSlots {
		return
	}

	ready := make(map[string][]*Upload)
	for user, list := range q.uploads {
		gname := q.resolver.ResolveGroup(user)
		for _, u := range list {
			if u.Ready != nil && u.Started == nil {
				ready[gname] = append(ready[gname], u)
			}
		}
	}

	names := make([]string, 0, len(q.groups))
	for name := range q.groups {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		gi, gj := q.groups[names[i]], q.groups[names[j]]
		if gi.Priority != gj.Priority {
			return gi.Priority < gj.Priority
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		g := q.groups[name]
		if !g.HasAvailableSlot() {
			continue
		}
		candidates := ready[name]
		if len(candidates) == 0 {
			continue
		}

		winner := q.selectWinner(name, g.Strategy, candidates)
		now := time.Now()
		winner.Started = &now
		winner.Group = name
		g.UsedSlots++
		close(winner.done)
		return
	}
}

func (q *Queue) selectWinner(groupName string, strategy group.Strategy, candidates []*Upload) *Upload {
	if strategy == group.FIFO {
		sort.Slice(candidates, func(i, j int) bool {
			if !candidates[i].Enqueued.Equal(candidates[j].Enqueued) {
				return candidates[i].Enqueued.Before(candidates[j].Enqueued)
			}
			return candidates[i].Filename < candidates[j].Filename
		})
		return candidates[0]
	}

	lastReleased := q.lastReleased[groupName]
	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := *candidates[i].Ready, *candidates[j].Ready
		if !ri.Equal(rj) {
			return ri.Before(rj)
		}
		li := lastReleased[candidates[i].Username]
		lj := lastReleased[candidates[j].Username]
		if !li.Equal(lj) {
			return li.Before(lj)
		}
		return candidates[i].Filename < candidates[j].Filename
	})
	return candidates[0]
}

// EstimatePosition implements spec §4.4 "Position estimates".
func (q *Queue) EstimatePosition(user, filename string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.uploads[user]
	if len(list) == 0 {
		return 0, errs.ErrNotFound
	}
	target := q.find(user, filename)
	if target == nil {
		return 0, errs.ErrNotFound
	}

	gname := q.resolver.ResolveGroup(user)
	g, ok := q.groups[gname]
	if !ok {
		return 0, errs.ErrNotFound
	}

	if g.Strategy == group.FIFO {
		var all []*Upload
		for u, l := range q.uploads {
			if q.resolver.ResolveGroup(u) != gname {
				continue
			}
			all = append(all, l...)
		}
		sort.Slice(all, func(i, j int) bool {
			if !all[i].Enqueued.Equal(all[j].Enqueued) {
				return all[i].Enqueued.Before(all[j].Enqueued)
			}
			return all[i].Filename < all[j].Filename
		})
		for i, u := range all {
			if u == target {
				return i, nil
			}
		}
		return 0, errs.ErrNotFound
	}

	// RoundRobin: local index L, plus min(L, |their uploads|) per other user.
	userList := make([]*Upload, len(list))
	copy(userList, list)
	sort.Slice(userList, func(i, j int) bool {
		if !userList[i].Enqueued.Equal(userList[j].Enqueued) {
			return userList[i].Enqueued.Before(userList[j].Enqueued)
		}
		return userList[i].Filename < userList[j].Filename
	})
	L := -1
	for i, u := range userList {
		if u == target {
			L = i
			break
		}
	}
	if L < 0 {
		return 0, errs.ErrNotFound
	}

	estimate := L
	for other, l := range q.uploads {
		if other == user {
			continue
		}
		if q.resolver.ResolveGroup(other) != gname {
			continue
		}
		n := len(l)
		if L < n {
			estimate += L
		} else {
			estimate += n
		}
	}
	return estimate, nil
}

// ForecastPosition implements spec §4.4 "Position estimates".
func (q *Queue) ForecastPosition(user string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	gname := q.resolver.ResolveGroup(user)
	g, ok := q.groups[gname]
	if !ok {
		return 0, errs.ErrNotFound
	}
	if g.HasAvailableSlot() {
		return 0, nil
	}

	if g.Strategy == group.RoundRobin {
		distinct := make(map[string]struct{})
		for u, l := range q.uploads {
			if len(l) == 0 {
				continue
			}
			if q.resolver.ResolveGroup(u) == gname {
				distinct[u] = struct{}{}
			}
		}
		return len(distinct) + 1, nil
	}

	total := 0
	for u, l := range q.uploads {
		if q.resolver.ResolveGroup(u) == gname {
			total += len(l)
		}
	}
	return total + 1, nil
}
