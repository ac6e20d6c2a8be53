package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slskd/slskd-core/internal/config"
	"github.com/slskd/slskd-core/internal/lifecycle"
	"github.com/slskd/slskd-core/internal/transfer"
	"github.com/stretchr/testify/require"
)

type fakeUserData struct{}

func (fakeUserData) IsBlacklisted(string, string) bool         { return false }
func (fakeUserData) ResolveUserGroup(string) (string, bool)     { return "", false }
func (fakeUserData) Watch(string)                                {}
func (fakeUserData) IsWatched(string) bool                      { return false }

type fakeShares struct{ localPath string }

func (f fakeShares) ResolveFile(ctx context.Context, remoteFilename string) (string, string, uint64, error) {
	return "host", f.localPath, 10, nil
}
func (f fakeShares) RequestScan() {}

type fakeProtocol struct{}

func (fakeProtocol) Upload(ctx context.Context, req lifecycle.UploadRequest) (lifecycle.CompletedUpload, error) {
	if err := req.SlotAwaiter(ctx); err != nil {
		return lifecycle.CompletedUpload{}, err
	}
	req.SlotReleased()
	return lifecycle.CompletedUpload{BytesTransferred: 10, AverageSpeed: 5}, nil
}
func (fakeProtocol) SendUploadSpeedAsync(ctx context.Context, bytesPerSec float64) error { return nil }

func newTestContext(t *testing.T) *Context {
	t.Helper()
	cfg := config.Defaults()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	cfg.GlobalSlots = 10

	path := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 10), 0600))

	c, err := New(&cfg, Collaborators{
		UserData: fakeUserData{},
		Peers:    nil,
		Shares:   fakeShares{localPath: path},
		Protocol: fakeProtocol{},
		Bus:      nil,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func TestNew_WiresEveryComponent(t *testing.T) {
	c := newTestContext(t)
	require.NotNil(t, c.Store)
	require.NotNil(t, c.Queue)
	require.NotNil(t, c.Governor)
	require.NotNil(t, c.Classifier)
	require.NotNil(t, c.Admission)
	require.NotNil(t, c.Lifecycle)
	require.NotNil(t, c.Reconciler)
}

func TestEnqueueUpload_EndToEnd(t *testing.T) {
	c := newTestContext(t)

	err := c.EnqueueUpload(context.Background(), "alice", "1.2.3.4", "song.mp3")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		found, ok := c.Store.Find(func(r *transfer.Transfer) bool {
			return r.Username == "alice" && r.Filename == "song.mp3"
		})
		return ok && found.State.IsCompleted()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconfigure_AppliesNewGlobalSlots(t *testing.T) {
	c := newTestContext(t)
	cfg := config.Defaults()
	cfg.GlobalSlots = 42

	diff := c.Reconfigure(&cfg)
	require.True(t, diff.Changed)

	info, ok := c.Queue.GetGroupInfo("privileged")
	require.True(t, ok)
	require.Equal(t, 42, info.Slots)
}
