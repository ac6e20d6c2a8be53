package queue

import (
	"testing"
	"time"

	"github.com/slskd/slskd-core/internal/group"
	"github.com/stretchr/testify/require"
)

type staticResolver struct{ byUser map[string]string }

func (s staticResolver) ResolveGroup(user string) string {
	if g, ok := s.byUser[user]; ok {
		return g
	}
	return "default"
}

func singleGroup(strategy group.Strategy, slots int) map[string]*group.Group {
	return map[string]*group.Group{
		"default": {Name: "default", Priority: 1, Slots: slots, Strategy: strategy},
	}
}

func awaitStarted(t *testing.T, u *Upload, timeout time.Duration) bool {
	t.Helper()
	select {
	case <-u.Done():
		return true
	case <-time.After(timeout):
		return false
	}
}

// Scenario 1: FIFO ordering.
func TestFIFOOrdering(t *testing.T) {
	resolver := staticResolver{byUser: map[string]string{"alice": "default", "bob": "default"}}
	q := New(resolver, 1, singleGroup(group.FIFO, 1))

	q.Enqueue("alice", "a.mp3")
	q.Enqueue("alice", "b.mp3")
	q.Enqueue("bob", "c.mp3")

	promA, err := q.AwaitStartAsync("alice", "a.mp3")
	require.NoError(t, err)
	promB, err := q.AwaitStartAsync("alice", "b.mp3")
	require.NoError(t, err)
	promC, err := q.AwaitStartAsync("bob", "c.mp3")
	require.NoError(t, err)

	require.True(t, awaitStarted(t, q.UploadFor("alice", "a.mp3"), time.Second))
	select {
	case <-promB:
		t.Fatal("b.mp3 must not start before a.mp3 completes")
	default:
	}
	q.Complete("alice", "a.mp3")
	require.True(t, awaitStarted(t, q.UploadFor("alice", "b.mp3"), time.Second))
	_ = promA
	q.Complete("alice", "b.mp3")
	require.True(t, awaitStarted(t, q.UploadFor("bob", "c.mp3"), time.Second))
	_ = promC
}

// Scenario 3: priority pre-emption of waiting group never happens.
func TestPriorityNeverPreempts(t *testing.T) {
	groups := map[string]*group.Group{
		"privileged": {Name: "privileged", Priority: 0, Slots: 1, Strategy: group.RoundRobin},
		"default":    {Name: "default", Priority: 1, Slots: 1, Strategy: group.RoundRobin},
	}
	resolver := staticResolver{byUser: map[string]string{"dave": "default", "priv": "privileged"}}
	q := New(resolver, 1, groups)

	q.Enqueue("dave", "d1")
	_, err := q.AwaitStartAsync("dave", "d1")
	require.NoError(t, err)
	require.True(t, awaitStarted(t, q.UploadFor("dave", "d1"), time.Second))

	q.Enqueue("priv", "p1")
	_, err = q.AwaitStartAsync("priv", "p1")
	require.NoError(t, err)

	select {
	case <-q.UploadFor("priv", "p1").Done():
		t.Fatal("privileged upload must not preempt an in-progress default upload")
	case <-time.After(50 * time.Millisecond):
	}

	q.Complete("dave", "d1")
	require.True(t, awaitStarted(t, q.UploadFor("priv", "p1"), time.Second))
}

func TestEstimatePosition_FIFO(t *testing.T) {
	resolver := staticResolver{}
	q := New(resolver, 1, singleGroup(group.FIFO, 1))

	q.Enqueue("alice", "a.mp3")
	time.Sleep(time.Millisecond)
	q.Enqueue("alice", "b.mp3")
	time.Sleep(time.Millisecond)
	q.Enqueue("bob", "c.mp3")

	pos, err := q.EstimatePosition("bob", "c.mp3")
	require.NoError(t, err)
	require.Equal(t, 2, pos)
}

func TestEstimatePosition_NotFoundForUnknownUser(t *testing.T) {
	resolver := staticResolver{}
	q := New(resolver, 1, singleGroup(group.FIFO, 1))
	_, err := q.EstimatePosition("ghost", "x")
	require.Error(t, err)
}

func TestForecastPosition_ZeroWhenSlotAvailable(t *testing.T) {
	resolver := staticResolver{}
	q := New(resolver, 2, singleGroup(group.FIFO, 2))
	pos, err := q.ForecastPosition("alice")
	require.NoError(t, err)
	require.Equal(t, 0, pos)
}

func TestForecastPosition_FIFOWhenFull(t *testing.T) {
	resolver := staticResolver{}
	q := New(resolver, 1, singleGroup(group.FIFO, 1))
	q.Enqueue("alice", "a")
	_, err := q.AwaitStartAsync("alice", "a")
	require.NoError(t, err)

	pos, err := q.ForecastPosition("bob")
	require.NoError(t, err)
	require.Equal(t, 2, pos)
}

// Scenario 2: round-robin tie-break. When several ready uploads across two
// users tie on Ready, the user who released a slot longest ago (or never)
// wins, so presence doesn't let one user starve another (spec §8/§9,
// "oldest-last-release wins"). With alice holding three ready uploads and
// bob one, completions must alternate a1, b1, a2, a3.
func TestRoundRobin_TieBreakPrefersOldestLastRelease(t *testing.T) {
	resolver := staticResolver{byUser: map[string]string{"alice": "default", "bob": "default"}}
	groups := map[string]*group.Group{
		"default": {Name: "default", Priority: 1, Slots: 1, Strategy: group.RoundRobin},
	}
	q := New(resolver, 1, groups)

	q.Enqueue("alice", "a1")
	q.Enqueue("alice", "a2")
	q.Enqueue("alice", "a3")
	q.Enqueue("bob", "b1")

	// Force every upload ready at the exact same instant so selection is
	// decided purely by the round-robin tie-break, not arrival order.
	tie := time.Now()
	for _, pair := range [][2]string{{"alice", "a1"}, {"alice", "a2"}, {"alice", "a3"}, {"bob", "b1"}} {
		_, err := q.AwaitStartAsync(pair[0], pair[1])
		require.NoError(t, err)
		q.UploadFor(pair[0], pair[1]).Ready = &tie
	}

	require.True(t, awaitStarted(t, q.UploadFor("alice", "a1"), time.Second), "a1 starts first (only ready candidate before ties matter)")
	q.Complete("alice", "a1")

	require.True(t, awaitStarted(t, q.UploadFor("bob", "b1"), time.Second), "bob never released, so b1 wins the tie over alice's a2/a3")
	q.Complete("bob", "b1")

	require.True(t, awaitStarted(t, q.UploadFor("alice", "a2"), time.Second), "a2 and a3 tie on release time, so filename breaks the tie")
	q.Complete("alice", "a2")

	require.True(t, awaitStarted(t, q.UploadFor("alice", "a3"), time.Second))
}

func TestSetGroups_PreservesUsedSlots(t *testing.T) {
	resolver := staticResolver{}
	q := New(resolver, 1, singleGroup(group.FIFO, 1))
	q.Enqueue("alice", "a")
	_, err := q.AwaitStartAsync("alice", "a")
	require.NoError(t, err)
	require.True(t, awaitStarted(t, q.UploadFor("alice", "a"), time.Second))

	next := singleGroup(group.FIFO, 2)
	q.SetGroups(next)

	info, ok := q.GetGroupInfo("default")
	require.True(t, ok)
	require.Equal(t, 1, info.UsedSlots)
	require.Equal(t, 2, info.Slots)
}
