package governor

import (
	"context"
	"testing"
	"time"

	"github.com/slskd/slskd-core/internal/group"
	"github.com/stretchr/testify/require"
)

type staticClassifier struct{ group string }

func (s staticClassifier) ResolveGroup(string) string { return s.group }

type staticGroups struct{ groups map[string]*group.Group }

func (s staticGroups) Groups() map[string]*group.Group { return s.groups }

func TestGetBytesAsync_GrantsPartialWhenBucketLow(t *testing.T) {
	groups := staticGroups{groups: map[string]*group.Group{
		"default": {Name: "default", SpeedLimitKiBps: 10}, // capacity = 10*1024/10 = 1024 bytes
	}}
	g := New(staticClassifier{"default"}, groups)
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	granted, err := g.GetBytesAsync(ctx, "alice", 2000)
	require.NoError(t, err)
	require.Equal(t, uint64(1024), granted)

	// Bucket is now empty; a second acquire must block until the next
	// refill tick, which happens within RefillInterval.
	start := time.Now()
	granted2, err := g.GetBytesAsync(ctx, "alice", 500)
	require.NoError(t, err)
	require.Equal(t, uint64(500), granted2)
	require.GreaterOrEqual(t, time.Since(start), time.Duration(0))
}

func TestGetBytesAsync_UnlimitedWhenSpeedLimitZero(t *testing.T) {
	groups := staticGroups{groups: map[string]*group.Group{
		"default": {Name: "default", SpeedLimitKiBps: 0},
	}}
	g := New(staticClassifier{"default"}, groups)
	defer g.Close()

	granted, err := g.GetBytesAsync(context.Background(), "alice", 10_000_000)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000_000), granted)
}

func TestGetBytesAsync_CancellationWakesWaiterPromptly(t *testing.T) {
	groups := staticGroups{groups: map[string]*group.Group{
		"default": {Name: "default", SpeedLimitKiBps: 1},
	}}
	g := New(staticClassifier{"default"}, groups)
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	// drain the bucket first
	_, err := g.GetBytesAsync(ctx, "alice", 1_000_000)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, err := g.GetBytesAsync(ctx, "alice", 1_000_000)
		require.ErrorIs(t, err, context.Canceled)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancellation did not wake waiter promptly")
	}
}

func TestReturnBytes_RefundsUnusedPortion(t *testing.T) {
	groups := staticGroups{groups: map[string]*group.Group{
		"default": {Name: "default", SpeedLimitKiBps: 10},
	}}
	g := New(staticClassifier{"default"}, groups)
	defer g.Close()

	ctx := context.Background()
	granted, err := g.GetBytesAsync(ctx, "alice", 1024)
	require.NoError(t, err)
	require.Equal(t, uint64(1024), granted)

	g.ReturnBytes("alice", 1024, granted, 512)

	granted2, err := g.GetBytesAsync(ctx, "alice", 1024)
	require.NoError(t, err)
	require.Equal(t, uint64(512), granted2)
}

func TestFallbackBucket_ServesDeletedGroup(t *testing.T) {
	groups := staticGroups{groups: map[string]*group.Group{
		"default": {Name: "default", SpeedLimitKiBps: 10},
	}}
	g := New(staticClassifier{"ghost"}, groups)
	defer g.Close()

	granted, err := g.GetBytesAsync(context.Background(), "alice", 999)
	require.NoError(t, err)
	require.Equal(t, uint64(999), granted)
}
