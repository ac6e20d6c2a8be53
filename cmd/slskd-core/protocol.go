package main

import (
	"context"
	"io"
	"time"

	"github.com/slskd/slskd-core/internal/lifecycle"
	"github.com/slskd/slskd-core/internal/logging"
)

// stubProtocol drives an upload by reading the local file straight through
// the governor with no network peer attached. The real Soulseek wire
// protocol is an external collaborator (spec §6.2); this lets the core
// run end-to-end standalone for smoke-testing a deployment.
type stubProtocol struct{}

func (stubProtocol) Upload(ctx context.Context, req lifecycle.UploadRequest) (lifecycle.CompletedUpload, error) {
	if err := req.SlotAwaiter(ctx); err != nil {
		return lifecycle.CompletedUpload{}, err
	}
	defer req.SlotReleased()

	stream, err := req.InputStreamFactory(0)
	if err != nil {
		return lifecycle.CompletedUpload{}, err
	}
	defer stream.Close()

	const chunkSize = 16 * 1024
	buf := make([]byte, chunkSize)
	var transferred uint64
	start := time.Now()

	for {
		if ctx.Err() != nil {
			return lifecycle.CompletedUpload{}, ctx.Err()
		}
		n, readErr := stream.Read(buf)
		if n > 0 {
			granted, err := req.Governor.GetBytesAsync(ctx, req.Username, uint64(n))
			if err != nil {
				return lifecycle.CompletedUpload{}, err
			}
			transferred += granted
			req.ProgressUpdated(transferred)
			if granted < uint64(n) {
				req.Governor.ReturnBytes(req.Username, uint64(n), granted, granted)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return lifecycle.CompletedUpload{}, readErr
		}
	}

	elapsed := time.Since(start).Seconds()
	speed := float64(transferred)
	if elapsed > 0 {
		speed = float64(transferred) / elapsed
	}
	return lifecycle.CompletedUpload{BytesTransferred: transferred, AverageSpeed: speed}, nil
}

func (stubProtocol) SendUploadSpeedAsync(ctx context.Context, bytesPerSec float64) error {
	logging.Debug().Float64("bytesPerSec", bytesPerSec).Msg("Reported upload speed")
	return nil
}

// stubUserData treats every peer as an unclassified default-group user.
// A real deployment wires this to the Soulseek server connection's
// buddy/ban lists and user-defined group assignments.
type stubUserData struct{}

func (stubUserData) IsBlacklisted(username, ip string) bool         { return false }
func (stubUserData) ResolveUserGroup(username string) (string, bool) { return "", false }
func (stubUserData) Watch(username string)                           {}
func (stubUserData) IsWatched(username string) bool                  { return false }
