package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/slskd/slskd-core/internal/errs"
	"github.com/slskd/slskd-core/internal/logging"
)

// localShares is a minimal share resolver backed by a flat walk of the
// configured directories. The real share index (search, filtering,
// incremental rescans) lives in the protocol library this core plugs into
// (spec §6.3 "Share service" is an external collaborator); this is enough
// to exercise the Enqueue Admission and Lifecycle paths standalone.
type localShares struct {
	dirs []string

	mu    sync.RWMutex
	index map[string]string // lowercased basename -> absolute path
}

func newLocalShares(dirs []string) *localShares {
	s := &localShares{dirs: dirs, index: make(map[string]string)}
	s.RequestScan()
	return s
}

// RequestScan rebuilds the basename index from the configured share
// directories (spec §4.5 step 3 "a miss may trigger a rescan").
func (s *localShares) RequestScan() {
	index := make(map[string]string)
	for _, dir := range s.dirs {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			index[strings.ToLower(d.Name())] = path
			return nil
		})
		if err != nil {
			logging.Warn().Err(err).Str("dir", dir).Msg("Failed to scan share directory")
		}
	}
	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	logging.Debug().Int("files", len(index)).Msg("Share index rebuilt")
}

func (s *localShares) ResolveFile(ctx context.Context, remoteFilename string) (host, localPath string, declaredSize uint64, err error) {
	base := strings.ToLower(filepath.Base(remoteFilename))

	s.mu.RLock()
	path, ok := s.index[base]
	s.mu.RUnlock()
	if !ok {
		return "", "", 0, errs.ErrNotFound
	}

	info, statErr := os.Stat(path)
	if statErr != nil {
		return "", "", 0, errs.ErrNotFound
	}
	return "", path, uint64(info.Size()), nil
}
