// Package reconfig implements live Options Reconfiguration (spec §4.7):
// diffing an incoming configuration against the running one, classifying
// what changed, and applying anything that can be applied without a
// restart directly to the Upload Queue and Governor.
package reconfig

import (
	"reflect"
	"sync"

	"github.com/slskd/slskd-core/internal/config"
	"github.com/slskd/slskd-core/internal/governor"
	"github.com/slskd/slskd-core/internal/group"
	"github.com/slskd/slskd-core/internal/logging"
	"github.com/slskd/slskd-core/internal/queue"
)

// Options is the subset of configuration that can change at runtime
// (spec §4.7). Fields outside this set (database path, listen port) only
// take effect on restart and are not modeled here. GlobalLimits is carried
// in Options but Apply neither diffs nor applies it: admission keeps the
// global limits it was constructed with.
type Options struct {
	GlobalSlots       int
	Groups            map[string]group.Config
	GlobalLimits      group.Limits
	ShareDirectories  []string
	FilterSet         []string
	SearchFilterRegex string
}

// FromConfig projects a config.Config down to its reconfigurable Options.
func FromConfig(cfg *config.Config) Options {
	return Options{
		GlobalSlots:       cfg.GlobalSlots,
		Groups:            cfg.Groups,
		GlobalLimits:      cfg.GlobalLimits,
		ShareDirectories:  cfg.ShareDirectories,
		FilterSet:         cfg.FilterSet,
		SearchFilterRegex: cfg.SearchFilterRegex,
	}
}

// Diff reports what changed between two Options and what it implies.
type Diff struct {
	Changed bool

	// RequiresRestart flags a change that cannot be applied live. Apply
	// never sets it: Options holds only fields Apply handles in process.
	RequiresRestart bool

	// RescanPending is set when the share directory set changed and a
	// rescan should be requested of the share index.
	RescanPending bool

	// RecompileSearchFilter is set when the search filter regex changed.
	RecompileSearchFilter bool

	GroupsChanged bool
	SlotsChanged  bool
}

// Reconciler serializes Apply calls and owns the live Queue/Governor being
// reconfigured. A single mutex matches the teacher's config.go, which also
// guards its in-memory Config behind one lock for the process lifetime.
type Reconciler struct {
	mu       sync.Mutex
	current  Options
	queue    *queue.Queue
	governor *governor.Governor
}

// New constructs a Reconciler seeded with the options the process started
// with.
func New(initial Options, q *queue.Queue, gov *governor.Governor) *Reconciler {
	return &Reconciler{current: initial, queue: q, governor: gov}
}

// Current returns a copy of the options currently in effect.
func (r *Reconciler) Current() Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Apply diffs next against the running options, applies every
// live-reconfigurable change, and returns what happened (spec §4.7).
func (r *Reconciler) Apply(next Options) Diff {
	r.mu.Lock()
	defer r.mu.Unlock()

	diff := Diff{}
	prev := r.current

	if !reflect.DeepEqual(prev.Groups, next.Groups) || prev.GlobalSlots != next.GlobalSlots {
		diff.GroupsChanged = true
		diff.Changed = true
	}
	if prev.GlobalSlots != next.GlobalSlots {
		diff.SlotsChanged = true
	}
	if !reflect.DeepEqual(prev.ShareDirectories, next.ShareDirectories) {
		diff.RescanPending = true
		diff.Changed = true
	}
	if !reflect.DeepEqual(prev.FilterSet, next.FilterSet) || prev.SearchFilterRegex != next.SearchFilterRegex {
		diff.RecompileSearchFilter = true
		diff.Changed = true
	}

	if !diff.Changed {
		return diff
	}

	if diff.GroupsChanged {
		built := config.BuildGroups(&config.Config{GlobalSlots: next.GlobalSlots, Groups: next.Groups})
		r.queue.SetGlobalSlots(next.GlobalSlots)
		r.queue.SetGroups(built)
		r.governor.Reconcile()
		logging.Info().Int("globalSlots", next.GlobalSlots).Msg("Applied group reconfiguration")
	}
	if diff.RescanPending {
		logging.Info().Msg("Share directories changed, rescan pending")
	}
	if diff.RecompileSearchFilter {
		logging.Info().Msg("Search filter changed, recompilation pending")
	}

	r.current = next
	return diff
}
