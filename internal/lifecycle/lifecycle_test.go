package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slskd/slskd-core/internal/governor"
	"github.com/slskd/slskd-core/internal/group"
	"github.com/slskd/slskd-core/internal/queue"
	"github.com/slskd/slskd-core/internal/transfer"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

type staticResolver struct{}

func (staticResolver) ResolveGroup(string) string { return "default" }

type fakeGroups struct{ groups map[string]*group.Group }

func (f fakeGroups) Groups() map[string]*group.Group { return f.groups }

func newTestStore(t *testing.T) transfer.Store {
	t.Helper()
	dir := t.TempDir()
	db, err := bolt.Open(filepath.Join(dir, "test.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := transfer.NewBoltStore(db)
	require.NoError(t, err)
	return store
}

type fakeShares struct{ localPath string }

func (f fakeShares) ResolveFile(ctx context.Context, remoteFilename string) (string, string, uint64, error) {
	return "host", f.localPath, 10, nil
}

type fakeBus struct{ events []UploadCompleteEvent }

func (f *fakeBus) Publish(e UploadCompleteEvent) { f.events = append(f.events, e) }

// succeedingProtocol immediately resolves the slot, reports a couple of
// progress ticks and a state change, then returns success.
type succeedingProtocol struct{}

func (succeedingProtocol) Upload(ctx context.Context, req UploadRequest) (CompletedUpload, error) {
	if err := req.SlotAwaiter(ctx); err != nil {
		return CompletedUpload{}, err
	}
	req.StateChanged(transfer.PhaseQueued, transfer.PhaseInProgress)
	req.ProgressUpdated(5)
	req.ProgressUpdated(10)
	req.SlotReleased()
	return CompletedUpload{BytesTransferred: 10, AverageSpeed: 123}, nil
}

func (succeedingProtocol) SendUploadSpeedAsync(ctx context.Context, bytesPerSec float64) error {
	return nil
}

type cancellingProtocol struct{}

func (cancellingProtocol) Upload(ctx context.Context, req UploadRequest) (CompletedUpload, error) {
	if err := req.SlotAwaiter(ctx); err != nil {
		return CompletedUpload{}, err
	}
	<-ctx.Done()
	req.SlotReleased()
	return CompletedUpload{}, ctx.Err()
}

func (cancellingProtocol) SendUploadSpeedAsync(ctx context.Context, bytesPerSec float64) error {
	return nil
}

type failingProtocol struct{ err error }

func (f failingProtocol) Upload(ctx context.Context, req UploadRequest) (CompletedUpload, error) {
	if err := req.SlotAwaiter(ctx); err != nil {
		return CompletedUpload{}, err
	}
	req.SlotReleased()
	return CompletedUpload{}, f.err
}

func (f failingProtocol) SendUploadSpeedAsync(ctx context.Context, bytesPerSec float64) error {
	return nil
}

func newTestEngine(t *testing.T, protocol ProtocolLibrary) (*Engine, transfer.Store, *queue.Queue) {
	t.Helper()
	store := newTestStore(t)
	groups := fakeGroups{groups: group.DefaultGroups(10)}
	q := queue.New(staticResolver{}, 10, groups.groups)
	gov := governor.New(staticResolver{}, q)
	t.Cleanup(gov.Close)

	path := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 10), 0600))
	shares := fakeShares{localPath: path}

	bus := &fakeBus{}
	engine := New(store, q, gov, protocol, shares, bus)
	return engine, store, q
}

func TestLifecycle_SuccessfulTransferPersistsTerminalState(t *testing.T) {
	engine, store, _ := newTestEngine(t, succeedingProtocol{})

	tr := transfer.New(transfer.Upload, "alice", "song.mp3", 10, time.Now())
	require.NoError(t, store.AddOrSupersede(tr))

	engine.Launch(tr)

	require.Eventually(t, func() bool {
		found, ok := store.Find(func(r *transfer.Transfer) bool { return r.ID == tr.ID })
		return ok && found.State.IsCompleted()
	}, 2*time.Second, 10*time.Millisecond)

	found, _ := store.Find(func(r *transfer.Transfer) bool { return r.ID == tr.ID })
	require.Equal(t, transfer.OutcomeSucceeded, found.State.Outcome)
	require.NotNil(t, found.EndedAt)
	require.EqualValues(t, 10, found.BytesTransferred)
}

func TestLifecycle_CancellationTerminatesAsCancelled(t *testing.T) {
	engine, store, _ := newTestEngine(t, cancellingProtocol{})

	tr := transfer.New(transfer.Upload, "bob", "movie.mp4", 10, time.Now())
	require.NoError(t, store.AddOrSupersede(tr))

	engine.Launch(tr)

	require.Eventually(t, func() bool {
		return engine.TryCancel(tr.ID) || true
	}, time.Second, 10*time.Millisecond)

	// keep requesting cancellation until the handle is registered
	require.Eventually(t, func() bool {
		return engine.TryCancel(tr.ID)
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		found, ok := store.Find(func(r *transfer.Transfer) bool { return r.ID == tr.ID })
		return ok && found.State.IsCompleted()
	}, 2*time.Second, 10*time.Millisecond)

	found, _ := store.Find(func(r *transfer.Transfer) bool { return r.ID == tr.ID })
	require.Equal(t, transfer.OutcomeCancelled, found.State.Outcome)
}

func TestLifecycle_ProtocolErrorTerminatesAsErrored(t *testing.T) {
	engine, store, _ := newTestEngine(t, failingProtocol{err: errors.New("peer disconnected")})

	tr := transfer.New(transfer.Upload, "carl", "a.flac", 10, time.Now())
	require.NoError(t, store.AddOrSupersede(tr))

	engine.Launch(tr)

	require.Eventually(t, func() bool {
		found, ok := store.Find(func(r *transfer.Transfer) bool { return r.ID == tr.ID })
		return ok && found.State.IsCompleted()
	}, 2*time.Second, 10*time.Millisecond)

	found, _ := store.Find(func(r *transfer.Transfer) bool { return r.ID == tr.ID })
	require.Equal(t, transfer.OutcomeErrored, found.State.Outcome)
	require.Equal(t, "peer disconnected", found.Exception)
}

func TestTryCancel_ReturnsFalseForUnknownID(t *testing.T) {
	engine, _, _ := newTestEngine(t, succeedingProtocol{})
	require.False(t, engine.TryCancel("unknown-id"))
}

func TestShutdown_ReturnsPromptlyWhenNoActiveUploads(t *testing.T) {
	engine, _, _ := newTestEngine(t, succeedingProtocol{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, engine.Shutdown(ctx))
}

func TestShutdown_WaitsForInFlightUploadThenCompletes(t *testing.T) {
	engine, store, _ := newTestEngine(t, succeedingProtocol{})

	tr := transfer.New(transfer.Upload, "dana", "track.mp3", 10, time.Now())
	require.NoError(t, store.AddOrSupersede(tr))
	engine.Launch(tr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, engine.Shutdown(ctx))

	found, _ := store.Find(func(r *transfer.Transfer) bool { return r.ID == tr.ID })
	require.True(t, found.State.IsCompleted())
}

func TestShutdown_ForceCancelsOnTimeout(t *testing.T) {
	engine, store, _ := newTestEngine(t, cancellingProtocol{})

	tr := transfer.New(transfer.Upload, "erin", "stuck.mp3", 10, time.Now())
	require.NoError(t, store.AddOrSupersede(tr))
	engine.Launch(tr)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := engine.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		found, ok := store.Find(func(r *transfer.Transfer) bool { return r.ID == tr.ID })
		return ok && found.State.IsCompleted()
	}, 2*time.Second, 10*time.Millisecond)
}
