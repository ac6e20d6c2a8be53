// Package admission implements Enqueue Admission (spec §4.5): the single
// entry point the protocol library calls for every remotely-initiated
// upload request, deciding whether it may be queued at all.
package admission

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/slskd/slskd-core/internal/classifier"
	"github.com/slskd/slskd-core/internal/errs"
	"github.com/slskd/slskd-core/internal/group"
	"github.com/slskd/slskd-core/internal/logging"
	"github.com/slskd/slskd-core/internal/transfer"
)

// Rejection messages are part of the wire protocol: peers parse the
// literal string to decide whether a request is worth retrying (spec §7,
// §4.5 step 6).
const (
	MsgFileNotShared           = "File not shared."
	MsgTooManyFilesQueued      = "Too many files"
	MsgTooManyMegabytesQueued  = "Too many megabytes"
	MsgTooManyFilesToday       = "Too many files today"
	MsgTooManyMegabytesToday   = "Too many megabytes today"
	MsgTooManyFailuresToday    = "Too many failed transfers today"
	MsgTooManyFilesWeek        = "Too many files this week"
	MsgTooManyMegabytesWeek    = "Too many megabytes this week"
	MsgTooManyFailuresWeek     = "Too many failed transfers this week"
)

// ShareResolver locates the physical file behind a remote filename (spec
// §6.3 "Share service").
type ShareResolver interface {
	ResolveFile(ctx context.Context, remoteFilename string) (host, localPath string, declaredSize uint64, err error)
	RequestScan()
}

// Launcher starts the transfer lifecycle engine for a freshly admitted
// transfer (spec §4.5 step 9). *lifecycle.Engine satisfies this.
type Launcher interface {
	Launch(t *transfer.Transfer)
}

// GroupProvider exposes the live groups map for limit lookups. *queue.Queue
// satisfies this.
type GroupProvider interface {
	Groups() map[string]*group.Group
}

// keyGuard implements the duplicate-suppression concurrency guard from
// spec §4.5 step 2: a short-lived, non-blocking lock keyed by (user,
// filename). A second caller for the same key does not wait; it is told
// the key is busy and returns silently.
type keyGuard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newKeyGuard() *keyGuard { return &keyGuard{active: make(map[string]struct{})} }

func (k *keyGuard) tryAcquire(key string) (release func(), ok bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, busy := k.active[key]; busy {
		return nil, false
	}
	k.active[key] = struct{}{}
	return func() {
		k.mu.Lock()
		delete(k.active, key)
		k.mu.Unlock()
	}, true
}

// Admission implements spec §4.5.
type Admission struct {
	userData   classifier.UserDataService
	classifier *classifier.Classifier
	shares     ShareResolver
	store      transfer.Store
	groups     GroupProvider
	launcher   Launcher

	globalLimits group.Limits
	guard        *keyGuard

	// statFile is overridable for tests; defaults to os.Stat.
	statFile func(path string) (uint64, error)
}

// New constructs an Admission path.
func New(
	userData classifier.UserDataService,
	clf *classifier.Classifier,
	shares ShareResolver,
	store transfer.Store,
	groups GroupProvider,
	launcher Launcher,
	globalLimits group.Limits,
) *Admission {
	return &Admission{
		userData:     userData,
		classifier:   clf,
		shares:       shares,
		store:        store,
		groups:       groups,
		launcher:     launcher,
		globalLimits: globalLimits,
		guard:        newKeyGuard(),
		statFile:     statSize,
	}
}

func statSize(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}

// Enqueue implements the protocol library's enqueueDownload callback
// contract for uploads (spec §6.1, §4.5). It returns nil to signal
// acceptance (or a harmless no-op on duplicate suppression) and a
// structured *errs.EnqueueRejected to signal rejection.
func (a *Admission) Enqueue(ctx context.Context, username, remoteIP, filename string) error {
	if a.userData.IsBlacklisted(username, remoteIP) {
		return errs.Reject(MsgFileNotShared)
	}

	release, ok := a.guard.tryAcquire(username + "\x00" + filename)
	if !ok {
		return nil
	}
	defer release()

	if _, found := a.store.Find(func(t *transfer.Transfer) bool {
		return t.Direction == transfer.Upload && t.Username == username &&
			t.Filename == filename && !t.State.IsCompleted()
	}); found {
		return nil
	}

	_, localPath, declaredSize, err := a.shares.ResolveFile(ctx, filename)
	if err != nil {
		a.shares.RequestScan()
		return errs.Reject(MsgFileNotShared)
	}

	size := declaredSize
	if actual, statErr := a.statFile(localPath); statErr == nil {
		if actual != declaredSize {
			logging.Warn().
				Str("username", username).
				Str("filename", filename).
				Uint64("declared", declaredSize).
				Uint64("actual", actual).
				Msg("Share size mismatch, requesting rescan")
			a.shares.RequestScan()
		}
		size = actual
	} else {
		logging.Warn().Err(statErr).Str("localPath", localPath).Msg("Could not stat local file")
	}

	groupName := a.classifier.Classify(ctx, username, remoteIP)
	a.classifier.EnsureWatched(username)

	groups := a.groups.Groups()
	g, ok := groups[groupName]
	if !ok {
		g = groups[group.Default]
	}

	if groupName != group.Privileged && g != nil {
		now := time.Now()
		if rejectMsg := a.checkLimits(username, g.Limits, size, now); rejectMsg != "" {
			return errs.Reject(rejectMsg)
		}
	}

	now := time.Now()
	t := transfer.New(transfer.Upload, username, filename, size, now)
	if err := a.store.AddOrSupersede(t); err != nil {
		logging.Error().Err(err).Str("username", username).Str("filename", filename).
			Msg("Failed to persist accepted transfer")
		return errs.Reject(MsgFileNotShared)
	}

	a.launcher.Launch(t)
	return nil
}

func effectiveLimit(groupLimit, globalLimit group.Limit) group.Limit {
	eff := groupLimit
	if eff.Files == 0 {
		eff.Files = globalLimit.Files
	}
	if eff.Megabytes == 0 {
		eff.Megabytes = globalLimit.Megabytes
	}
	if eff.Failures == 0 {
		eff.Failures = globalLimit.Failures
	}
	return eff
}

func megabytes(bytes uint64) uint32 {
	return uint32(bytes / (1024 * 1024))
}

// checkLimits evaluates the three enforcement windows (spec §4.5 step 6)
// and returns the literal rejection message for the first violated limit,
// or "" if none are violated.
func (a *Admission) checkLimits(username string, groupLimits group.Limits, fileSize uint64, now time.Time) string {
	if msg := a.checkQueued(username, effectiveLimit(groupLimits.Queued, a.globalLimits.Queued), fileSize); msg != "" {
		return msg
	}
	if msg := a.checkWindow(username, effectiveLimit(groupLimits.Daily, a.globalLimits.Daily), fileSize, now.Add(-24*time.Hour),
		MsgTooManyFilesToday, MsgTooManyMegabytesToday, MsgTooManyFailuresToday); msg != "" {
		return msg
	}
	if msg := a.checkWindow(username, effectiveLimit(groupLimits.Weekly, a.globalLimits.Weekly), fileSize, now.Add(-7*24*time.Hour),
		MsgTooManyFilesWeek, MsgTooManyMegabytesWeek, MsgTooManyFailuresWeek); msg != "" {
		return msg
	}
	return ""
}

func (a *Admission) checkQueued(username string, limit group.Limit, fileSize uint64) string {
	if limit.Files == 0 && limit.Megabytes == 0 {
		return ""
	}
	files, bytes := a.store.Summarize(func(t *transfer.Transfer) bool {
		return t.Direction == transfer.Upload && t.Username == username && t.EndedAt == nil
	})
	if limit.Files > 0 && uint32(files+1) > limit.Files {
		return MsgTooManyFilesQueued
	}
	if limit.Megabytes > 0 && megabytes(bytes+fileSize) > limit.Megabytes {
		return MsgTooManyMegabytesQueued
	}
	return ""
}

func (a *Admission) checkWindow(username string, limit group.Limit, fileSize uint64, since time.Time, fileMsg, mbMsg, failMsg string) string {
	if limit.Files == 0 && limit.Megabytes == 0 && limit.Failures == 0 {
		return ""
	}

	countedFiles, countedBytes := a.store.Summarize(func(t *transfer.Transfer) bool {
		return t.Direction == transfer.Upload && t.Username == username &&
			t.StartedAt != nil && !t.StartedAt.Before(since) &&
			!(t.State.IsCompleted() && t.State.Outcome == transfer.OutcomeErrored)
	})
	failedCount, _ := a.store.Summarize(func(t *transfer.Transfer) bool {
		return t.Direction == transfer.Upload && t.Username == username &&
			t.StartedAt != nil && !t.StartedAt.Before(since) &&
			t.State.IsCompleted() && t.State.Outcome == transfer.OutcomeErrored
	})

	if limit.Files > 0 && uint32(countedFiles+1) > limit.Files {
		return fileMsg
	}
	if limit.Megabytes > 0 && megabytes(countedBytes+fileSize) > limit.Megabytes {
		return mbMsg
	}
	if limit.Failures > 0 && uint32(failedCount) >= limit.Failures {
		return failMsg
	}
	return ""
}
