// Package classifier resolves a username to a group name (spec §4.2),
// backed by a cache of peer data and an on-demand, bounded fetch for
// cache misses.
package classifier

import (
	"context"
	"sync"
	"time"

	"github.com/slskd/slskd-core/internal/group"
	"github.com/slskd/slskd-core/internal/logging"
)

// PeerData is the subset of remote peer attributes classification needs.
type PeerData struct {
	Privileged      bool
	UploadRatio     float64
	SharedFileCount int
}

// PeerDataSource fetches fresh peer data for a cache miss. Implementations
// cross the network and must honor ctx's deadline.
type PeerDataSource interface {
	FetchPeerData(ctx context.Context, username string) (PeerData, error)
}

// UserDataService is the blacklist/user-group/watch collaborator (spec
// §6.3).
type UserDataService interface {
	IsBlacklisted(username, ip string) bool
	// ResolveUserGroup returns an operator-configured group override, if
	// the username has one.
	ResolveUserGroup(username string) (string, bool)
	Watch(username string)
	IsWatched(username string) bool
}

// LeecherThresholds configures step 4 of spec §4.2's classification order.
// A zero field disables that particular check.
type LeecherThresholds struct {
	MinSharedFiles int     `yaml:"minSharedFiles"`
	MinUploadRatio float64 `yaml:"minUploadRatio"`
}

// FetchTimeout bounds the on-demand peer-data fetch on a cache miss (spec
// §4.2: "bounded, may fail").
const FetchTimeout = 5 * time.Second

type cacheEntry struct {
	group     string
	peer      PeerData
	known     bool
	fetchedAt time.Time
}

// Classifier implements spec §4.2.
type Classifier struct {
	userData UserDataService
	peers    PeerDataSource
	thresholds LeecherThresholds

	mu    sync.RWMutex
	cache map[string]*cacheEntry
}

// New constructs a Classifier. peers may be nil, in which case every cache
// miss defaults the user to non-privileged, non-leecher peer data.
func New(userData UserDataService, peers PeerDataSource, thresholds LeecherThresholds) *Classifier {
	return &Classifier{
		userData:   userData,
		peers:      peers,
		thresholds: thresholds,
		cache:      make(map[string]*cacheEntry),
	}
}

// Classify performs the full, network-capable classification used by
// Enqueue Admission (spec §4.2 steps 1-5). It also ensures the user is
// watched, per step "so subsequent classification stays accurate".
func (c *Classifier) Classify(ctx context.Context, username, ip string) string {
	if c.userData != nil && c.userData.IsBlacklisted(username, ip) {
		c.setCached(username, group.Blacklisted, PeerData{}, false)
		return group.Blacklisted
	}

	if c.userData != nil {
		if g, ok := c.userData.ResolveUserGroup(username); ok && g != "" {
			peer, known := c.peerDataOrDefault(ctx, username)
			c.setCached(username, g, peer, known)
			c.watch(username)
			return g
		}
	}

	peer, known := c.peerData(ctx, username)

	var g string
	switch {
	case peer.Privileged:
		g = group.Privileged
	case known && c.isLeecher(peer):
		g = group.Leechers
	default:
		g = group.Default
	}

	c.setCached(username, g, peer, known)
	c.watch(username)
	return g
}

// ResolveGroup returns the cached classification without touching the
// network, for hot paths that cannot afford a round trip (spec §9,
// "PlaceInQueueResolver / UserInfoResolver / SearchResponseResolver must
// use cached resolution"). It returns the default group on a cache miss.
func (c *Classifier) ResolveGroup(username string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.cache[username]; ok {
		return e.group
	}
	return group.Default
}

func (c *Classifier) watch(username string) {
	if c.userData != nil && !c.userData.IsWatched(username) {
		c.userData.Watch(username)
	}
}

// EnsureWatched subscribes username to the watched-users set if it isn't
// already, so subsequent classification stays accurate (spec §4.5 step 8).
func (c *Classifier) EnsureWatched(username string) {
	c.watch(username)
}

// peerData returns the cached or freshly fetched peer data for username,
// along with whether a real data point is actually known. A false second
// return (no PeerDataSource configured, or the fetch failed) means peer is
// just the zero value and must not be mistaken for a peer with zero shared
// files (spec §4.2: "on failure the user defaults to default").
func (c *Classifier) peerData(ctx context.Context, username string) (PeerData, bool) {
	c.mu.RLock()
	e, ok := c.cache[username]
	c.mu.RUnlock()
	if ok {
		return e.peer, e.known
	}
	return c.peerDataOrDefault(ctx, username)
}

func (c *Classifier) peerDataOrDefault(ctx context.Context, username string) (PeerData, bool) {
	if c.peers == nil {
		return PeerData{}, false
	}
	fetchCtx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()
	peer, err := c.peers.FetchPeerData(fetchCtx, username)
	if err != nil {
		logging.Warn().Err(err).Str("username", username).Msg("Peer data fetch failed, defaulting classification")
		return PeerData{}, false
	}
	return peer, true
}

func (c *Classifier) isLeecher(peer PeerData) bool {
	t := c.thresholds
	if t.MinSharedFiles > 0 && peer.SharedFileCount < t.MinSharedFiles {
		return true
	}
	if t.MinUploadRatio > 0 && peer.UploadRatio > 0 && peer.UploadRatio < t.MinUploadRatio {
		return true
	}
	return false
}

func (c *Classifier) setCached(username, g string, peer PeerData, known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[username] = &cacheEntry{group: g, peer: peer, known: known, fetchedAt: time.Now()}
}
