package reconfig

import (
	"testing"

	"github.com/slskd/slskd-core/internal/governor"
	"github.com/slskd/slskd-core/internal/group"
	"github.com/slskd/slskd-core/internal/queue"
	"github.com/stretchr/testify/require"
)

type staticResolver struct{}

func (staticResolver) ResolveGroup(string) string { return group.Default }

func newTestReconciler(t *testing.T, initial Options) (*Reconciler, *queue.Queue, *governor.Governor) {
	t.Helper()
	groups := group.DefaultGroups(initial.GlobalSlots)
	q := queue.New(staticResolver{}, initial.GlobalSlots, groups)
	gov := governor.New(staticResolver{}, q)
	t.Cleanup(gov.Close)
	return New(initial, q, gov), q, gov
}

func TestApply_NoopWhenNothingChanged(t *testing.T) {
	initial := Options{GlobalSlots: 10, Groups: map[string]group.Config{}}
	r, _, _ := newTestReconciler(t, initial)

	diff := r.Apply(initial)
	require.False(t, diff.Changed)
}

func TestApply_GroupsChangedUpdatesQueueAndGovernor(t *testing.T) {
	initial := Options{GlobalSlots: 10, Groups: map[string]group.Config{}}
	r, q, _ := newTestReconciler(t, initial)

	next := Options{
		GlobalSlots: 20,
		Groups: map[string]group.Config{
			"vips": {Priority: 1, Slots: 5, Strategy: group.FIFO},
		},
	}
	diff := r.Apply(next)
	require.True(t, diff.Changed)
	require.True(t, diff.GroupsChanged)
	require.True(t, diff.SlotsChanged)

	info, ok := q.GetGroupInfo("vips")
	require.True(t, ok)
	require.Equal(t, 5, info.Slots)

	privileged, ok := q.GetGroupInfo(group.Privileged)
	require.True(t, ok)
	require.Equal(t, 0, privileged.Priority)
	require.Equal(t, 20, privileged.Slots)
}

func TestApply_PreservesUsedSlotsAcrossReconfiguration(t *testing.T) {
	initial := Options{GlobalSlots: 10, Groups: map[string]group.Config{}}
	r, q, _ := newTestReconciler(t, initial)

	q.Enqueue("alice", "song.mp3")
	_, err := q.AwaitStartAsync("alice", "song.mp3")
	require.NoError(t, err)

	infoBefore, _ := q.GetGroupInfo(group.Default)
	require.Equal(t, 1, infoBefore.UsedSlots)

	next := Options{GlobalSlots: 15, Groups: map[string]group.Config{}}
	r.Apply(next)

	infoAfter, _ := q.GetGroupInfo(group.Default)
	require.Equal(t, 1, infoAfter.UsedSlots)
}

func TestApply_ShareDirectoryChangeSetsRescanPending(t *testing.T) {
	initial := Options{GlobalSlots: 10, Groups: map[string]group.Config{}}
	r, _, _ := newTestReconciler(t, initial)

	next := initial
	next.ShareDirectories = []string{"/music"}
	diff := r.Apply(next)
	require.True(t, diff.RescanPending)
	require.False(t, diff.GroupsChanged)
}
