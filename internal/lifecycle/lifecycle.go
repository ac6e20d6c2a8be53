// Package lifecycle implements the Transfer Lifecycle Engine (spec §4.6):
// one task per accepted upload, driving a Transfer through its phases and
// persisting every transition. Per the redesign note in spec §9, every
// protocol-library callback becomes a message on a bounded channel
// consumed by that upload's own goroutine, rather than a shared
// per-transfer binary semaphore guarding concurrent callback invocations.
package lifecycle

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/slskd/slskd-core/internal/errs"
	"github.com/slskd/slskd-core/internal/governor"
	"github.com/slskd/slskd-core/internal/logging"
	"github.com/slskd/slskd-core/internal/queue"
	"github.com/slskd/slskd-core/internal/transfer"
	"github.com/slskd/slskd-core/pkg/retry"
)

// progressCallbackBuffer bounds the per-upload event channel. The
// protocol library's progress callback drops ticks rather than block when
// it is full; state-change callbacks always send, waiting on ctx instead.
const progressCallbackBuffer = 8

// progressPersistInterval caps how often an in-flight progress update is
// written to the store (spec §4.6 step 4).
const progressPersistInterval = 250 * time.Millisecond

// InputStreamFactory opens the byte source for an upload at the given
// resume offset (spec §4.6 step 3).
type InputStreamFactory func(startOffset uint64) (io.ReadCloser, error)

// Governor is the bandwidth pacer the protocol library draws bytes
// through. *governor.Governor satisfies this.
type Governor = *governor.Governor

// UploadRequest is the contract the protocol library's upload operation
// accepts (spec §6.2).
type UploadRequest struct {
	Username string
	Filename string
	Size     uint64

	InputStreamFactory InputStreamFactory
	Governor           Governor

	SlotAwaiter     func(ctx context.Context) error
	SlotReleased    func()
	StateChanged    func(prev, next transfer.Phase)
	ProgressUpdated func(current uint64)
}

// CompletedUpload is what the protocol library hands back on success.
type CompletedUpload struct {
	BytesTransferred uint64
	AverageSpeed     float64
}

// ProtocolLibrary is the external collaborator that drives byte movement
// (spec §6.2). Out of scope for this subsystem; the core only defines and
// calls this contract.
type ProtocolLibrary interface {
	Upload(ctx context.Context, req UploadRequest) (CompletedUpload, error)
	SendUploadSpeedAsync(ctx context.Context, bytesPerSec float64) error
}

// ShareResolver locates the physical file behind a remote filename. A
// subset of admission.ShareResolver; duplicated here rather than imported
// so this package doesn't depend on admission for an interface shape.
type ShareResolver interface {
	ResolveFile(ctx context.Context, remoteFilename string) (host, localPath string, declaredSize uint64, err error)
}

// UploadCompleteEvent is published on the event bus after a successful
// transfer (spec §6.3).
type UploadCompleteEvent struct {
	Timestamp  time.Time
	LocalPath  string
	RemotePath string
	Transfer   *transfer.Transfer
}

// EventBus is the internal publish point for completion notifications;
// consumers live outside this subsystem (spec §9).
type EventBus interface {
	Publish(UploadCompleteEvent)
}

type progressEvent struct{ current uint64 }
type stateEvent struct{ prev, next transfer.Phase }

// Engine implements spec §4.6.
type Engine struct {
	store    transfer.Store
	queue    *queue.Queue
	governor *governor.Governor
	protocol ProtocolLibrary
	shares   ShareResolver
	bus      EventBus

	cancels sync.Map // transfer id -> context.CancelFunc
	active  sync.WaitGroup

	shuttingDown sync.Mutex
	shutdown     bool

	retryConfig retry.Config
}

// shutdownLogInterval is how often Shutdown reports the number of uploads
// it is still waiting on (teacher's waitForActiveUploads logs every 5s).
const shutdownLogInterval = 5 * time.Second

// New constructs an Engine.
func New(store transfer.Store, q *queue.Queue, gov *governor.Governor, protocol ProtocolLibrary, shares ShareResolver, bus EventBus) *Engine {
	return &Engine{
		store:       store,
		queue:       q,
		governor:    gov,
		protocol:    protocol,
		shares:      shares,
		bus:         bus,
		retryConfig: retry.DefaultConfig(),
	}
}

// BeginShutdown suppresses further progress/state persistence from
// in-flight callbacks (spec §5 "Shutdown"); StartupCleanup reconciles the
// affected records on next boot.
func (e *Engine) BeginShutdown() {
	e.shuttingDown.Lock()
	e.shutdown = true
	e.shuttingDown.Unlock()
}

func (e *Engine) isShuttingDown() bool {
	e.shuttingDown.Lock()
	defer e.shuttingDown.Unlock()
	return e.shutdown
}

// TryCancel signals the cancellation handle for id, if one is registered.
// It does not wait for the task to observe cancellation.
func (e *Engine) TryCancel(id string) bool {
	v, ok := e.cancels.Load(id)
	if !ok {
		return false
	}
	v.(context.CancelFunc)()
	return true
}

// Shutdown waits for every in-flight lifecycle task to reach a terminal
// state, logging progress periodically, until ctx is done. If ctx expires
// first, it suppresses further progress/state persistence from callbacks
// and force-cancels whatever remains; each cancelled task still writes its
// terminal record (spec §5 "Shutdown"; grounded on the teacher's
// persistActiveUploads/hasActiveUploads/waitForActiveUploads trio).
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.active.Wait()
		close(done)
	}()

	ticker := time.NewTicker(shutdownLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			logging.Info().Msg("All active uploads completed successfully")
			return nil
		case <-ticker.C:
			e.logActiveUploads()
		case <-ctx.Done():
			logging.Warn().Msg("Timeout reached, forcing shutdown with active uploads")
			e.BeginShutdown()
			e.cancelAll()
			return ctx.Err()
		}
	}
}

func (e *Engine) cancelAll() {
	e.cancels.Range(func(_, v interface{}) bool {
		v.(context.CancelFunc)()
		return true
	})
}

func (e *Engine) logActiveUploads() {
	count := 0
	e.cancels.Range(func(_, _ interface{}) bool { count++; return true })
	logging.Info().Int("activeUploads", count).Msg("Waiting for active uploads to complete")
}

// Launch starts the lifecycle task for t (spec §4.5 step 9). It implements
// admission.Launcher.
func (e *Engine) Launch(t *transfer.Transfer) {
	e.active.Add(1)
	go e.run(t)
}

func (e *Engine) run(t *transfer.Transfer) {
	defer e.active.Done()
	ctx, cancel := context.WithCancel(context.Background())
	e.cancels.Store(t.ID, cancel)
	defer func() {
		e.cancels.Delete(t.ID)
		cancel()
	}()

	e.queue.Enqueue(t.Username, t.Filename)

	events := make(chan interface{}, progressCallbackBuffer)
	consumerDone := make(chan struct{})
	go e.consume(t, events, consumerDone)

	var releaseOnce sync.Once
	slotReleased := func() {
		releaseOnce.Do(func() { e.queue.Complete(t.Username, t.Filename) })
	}

	slotAwaiter := func(ctx context.Context) error {
		promise, err := e.queue.AwaitStartAsync(t.Username, t.Filename)
		if err != nil {
			return err
		}
		select {
		case <-promise:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	stateChanged := func(prev, next transfer.Phase) {
		select {
		case events <- stateEvent{prev: prev, next: next}:
		case <-ctx.Done():
		}
	}
	progressUpdated := func(current uint64) {
		select {
		case events <- progressEvent{current: current}:
		default:
		}
	}

	req := UploadRequest{
		Username:           t.Username,
		Filename:           t.Filename,
		Size:                t.Size,
		InputStreamFactory: e.openLocalStream(ctx, t),
		Governor:           e.governor,
		SlotAwaiter:        slotAwaiter,
		SlotReleased:       slotReleased,
		StateChanged:       stateChanged,
		ProgressUpdated:    progressUpdated,
	}

	completed, uploadErr := e.protocol.Upload(ctx, req)

	close(events)
	<-consumerDone

	slotReleased()

	now := time.Now()
	e.finalize(t, completed, uploadErr, now)

	if uploadErr == nil {
		e.publishCompletion(t)
		if err := e.protocol.SendUploadSpeedAsync(context.Background(), t.AverageSpeed); err != nil {
			logging.Warn().Err(err).Str("id", t.ID).Msg("Failed to report upload speed")
		}
	}
}

func (e *Engine) openLocalStream(ctx context.Context, t *transfer.Transfer) InputStreamFactory {
	return func(startOffset uint64) (io.ReadCloser, error) {
		_, localPath, _, err := e.shares.ResolveFile(ctx, t.Filename)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(localPath)
		if err != nil {
			return nil, err
		}
		if startOffset > 0 {
			if _, err := f.Seek(int64(startOffset), io.SeekStart); err != nil {
				f.Close()
				return nil, err
			}
		}
		return f, nil
	}
}

func (e *Engine) consume(t *transfer.Transfer, events <-chan interface{}, done chan<- struct{}) {
	defer close(done)
	var lastPersist time.Time
	for raw := range events {
		switch ev := raw.(type) {
		case progressEvent:
			t.BytesTransferred = ev.current
			if time.Since(lastPersist) >= progressPersistInterval {
				lastPersist = time.Now()
				e.persist(t)
			}
		case stateEvent:
			t.TransitionPhase(ev.next, time.Now())
			e.persist(t)
		}
	}
}

// persist writes t via the store, retrying transient database errors and
// swallowing a final failure per spec §7 (progress/state writes are never
// allowed to propagate; StartupCleanup is the recovery path).
func (e *Engine) persist(t *transfer.Transfer) {
	if e.isShuttingDown() {
		return
	}
	err := retry.Do(context.Background(), func() error {
		return e.store.Update(t)
	}, e.retryConfig)
	if err != nil {
		logging.Error().Err(err).Str("id", t.ID).Msg("Giving up persisting transfer update")
	}
}

func (e *Engine) finalize(t *transfer.Transfer, completed CompletedUpload, uploadErr error, now time.Time) {
	switch {
	case uploadErr == nil:
		t.BytesTransferred = completed.BytesTransferred
		t.Complete(transfer.OutcomeSucceeded, "", now, completed.AverageSpeed)
	case errs.Is(uploadErr, context.Canceled):
		t.Complete(transfer.OutcomeCancelled, uploadErr.Error(), now, 0)
	default:
		t.Complete(transfer.OutcomeErrored, uploadErr.Error(), now, 0)
	}
	// The terminal write is not a callback update, so it is made even after
	// BeginShutdown.
	err := retry.Do(context.Background(), func() error {
		return e.store.Update(t)
	}, e.retryConfig)
	if err != nil {
		logging.Error().Err(err).Str("id", t.ID).Msg("Giving up persisting terminal transfer state")
	}
}

func (e *Engine) publishCompletion(t *transfer.Transfer) {
	if e.bus == nil {
		return
	}
	_, localPath, _, err := e.shares.ResolveFile(context.Background(), t.Filename)
	if err != nil {
		localPath = ""
	}
	e.bus.Publish(UploadCompleteEvent{
		Timestamp:  time.Now(),
		LocalPath:  localPath,
		RemotePath: t.Filename,
		Transfer:   t,
	})
}
