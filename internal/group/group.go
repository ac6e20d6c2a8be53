// Package group holds the in-memory, configuration-derived Group model
// (spec §3) shared by the Upload Queue, Governor, and Enqueue Admission.
package group

// Strategy selects how a group's ready uploads are ordered for release.
type Strategy string

const (
	// FIFO releases the upload with the smallest Enqueued timestamp first.
	FIFO Strategy = "fifo"
	// RoundRobin releases the upload with the smallest Ready timestamp
	// first, rotating fairly across users as their uploads become ready.
	RoundRobin Strategy = "round_robin"
)

// Built-in group names. Every Groups map produced by reconfiguration
// contains Privileged, Default and Leechers, regardless of configuration
// (spec §4.7). Blacklisted is a classification result only; no group of
// that name is built.
const (
	Privileged = "privileged"
	Default    = "default"
	Leechers   = "leechers"
	Blacklisted = "blacklisted"
)

// Limit is an optional ceiling; a zero value means "unset" (no limit).
type Limit struct {
	Files     uint32 `yaml:"files"`
	Megabytes uint32 `yaml:"megabytes"`
	Failures  uint32 `yaml:"failures"`
}

// Limits bundles the three enforcement windows from spec §4.5 step 6.
type Limits struct {
	Queued Limit `yaml:"queued"`
	Daily  Limit `yaml:"daily"`
	Weekly Limit `yaml:"weekly"`
}

// Group is the configuration-derived scheduling unit (spec §3). Priority
// and Slots come from configuration; UsedSlots is scheduler-owned mutable
// state carried across reconfigurations for groups whose name persists.
type Group struct {
	Name     string
	Priority int
	Slots    int
	UsedSlots int
	Strategy Strategy

	Limits Limits

	// SpeedLimitKiBps feeds the Governor's token bucket sizing (spec
	// §4.3): capacity = (SpeedLimitKiBps*1024)/10 bytes.
	SpeedLimitKiBps uint32
}

// Info is the read-only snapshot returned by Queue.GetGroupInfo.
type Info struct {
	Name      string
	Priority  int
	Slots     int
	UsedSlots int
	Strategy  Strategy
}

func (g *Group) Info() Info {
	return Info{
		Name:      g.Name,
		Priority:  g.Priority,
		Slots:     g.Slots,
		UsedSlots: g.UsedSlots,
		Strategy:  g.Strategy,
	}
}

// HasAvailableSlot reports whether the group can accept another release.
func (g *Group) HasAvailableSlot() bool { return g.UsedSlots < g.Slots }

// Config is the configuration-file shape of a group: everything needed to
// build a Group except UsedSlots, which is scheduler-owned runtime state
// and never round-trips through configuration.
type Config struct {
	Priority        int      `yaml:"priority"`
	Slots           int      `yaml:"slots"`
	Strategy        Strategy `yaml:"strategy"`
	SpeedLimitKiBps uint32   `yaml:"speedLimitKiBps"`
	Limits          Limits   `yaml:"limits"`
}

// DefaultGroups returns the three built-in groups with sane defaults, used
// both as the initial Groups map at startup and as the baseline that
// reconfiguration always re-includes (spec §4.7).
func DefaultGroups(globalSlots int) map[string]*Group {
	return map[string]*Group{
		Privileged: {Name: Privileged, Priority: 0, Slots: globalSlots, Strategy: RoundRobin},
		Default:    {Name: Default, Priority: 1, Slots: globalSlots, Strategy: RoundRobin},
		Leechers:   {Name: Leechers, Priority: 2, Slots: globalSlots, Strategy: FIFO},
	}
}
