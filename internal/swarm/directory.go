// Package swarm moves artifacts between nodes by hash. It keeps the local
// store, the peer table and the holdings summary consistent and decides which
// peers to ask when an artifact is missing locally.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nmxmxh/swarmjit/internal/core"
	"github.com/nmxmxh/swarmjit/internal/store"
)

const (
	DefaultMaxAttempts    = 8
	DefaultProviderLimit  = 20
	DefaultBreakerTimeout = 30 * time.Second
	DefaultFetchTimeout   = 30 * time.Second
	// Consecutive failures before a peer's breaker opens.
	DefaultBreakerTrip = 3
)

// ContentRouter advertises and discovers holders of a hash.
type ContentRouter interface {
	Provide(ctx context.Context, hash core.Digest) error
	FindProviders(ctx context.Context, hash core.Digest, limit int) ([]peer.AddrInfo, error)
}

// Dialer retrieves artifact bytes from one peer. It returns a NOT_FOUND error
// when the peer answered but does not hold the hash.
type Dialer interface {
	FetchFrom(ctx context.Context, p peer.AddrInfo, hash core.Digest) ([]byte, error)
}

// Verifier rejects bytes that are not a loadable artifact.
type Verifier interface {
	Validate(b []byte) error
}

// artifactStore is implemented by stores that keep artifact metadata.
type artifactStore interface {
	PutArtifact(ctx context.Context, a *core.Artifact) (bool, error)
	GetArtifact(ctx context.Context, hash core.Digest) (*core.Artifact, error)
}

// Config configures a Directory.
type Config struct {
	Self     peer.ID
	Store    store.Store
	Router   ContentRouter
	Dialer   Dialer
	Verifier Verifier
	Peers    *PeerTable
	Profile  core.CapabilityProfile

	MaxAttempts int
	// FetchTimeout bounds one shared remote fetch. It runs detached from
	// the callers that joined it, so one caller giving up does not fail
	// the others.
	FetchTimeout   time.Duration
	ProviderLimit  int
	BreakerTimeout time.Duration
	BreakerTrip    uint32
	Logger         *zap.Logger
}

// Stats counts directory activity.
type Stats struct {
	Published    uint64
	LocalHits    uint64
	RemoteHits   uint64
	Misses       uint64
	PeerFailures uint64
	Rejected     uint64
}

// Directory is the swarm-facing artifact index of one node.
type Directory struct {
	cfg      Config
	logger   *zap.Logger
	holdings *Holdings
	flights  singleflight.Group

	mu       sync.Mutex
	breakers map[peer.ID]*gobreaker.CircuitBreaker
	stats    Stats
}

// NewDirectory validates cfg and seeds the holdings summary from whatever the
// store already contains.
func NewDirectory(ctx context.Context, cfg Config) (*Directory, error) {
	if cfg.Store == nil {
		return nil, core.ConfigError("swarm directory requires a store")
	}
	if cfg.Peers == nil {
		cfg.Peers = NewPeerTable()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.ProviderLimit <= 0 {
		cfg.ProviderLimit = DefaultProviderLimit
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = DefaultBreakerTimeout
	}
	if cfg.BreakerTrip == 0 {
		cfg.BreakerTrip = DefaultBreakerTrip
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Directory{
		cfg:      cfg,
		logger:   logger.Named("swarm"),
		holdings: NewHoldings(),
		breakers: make(map[peer.ID]*gobreaker.CircuitBreaker),
	}
	held, err := cfg.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list local artifacts: %w", err)
	}
	for _, h := range held {
		d.holdings.Add(h)
	}
	return d, nil
}

// Peers exposes the peer table.
func (d *Directory) Peers() *PeerTable { return d.cfg.Peers }

// Holdings exposes the local holdings summary.
func (d *Directory) Holdings() *Holdings { return d.holdings }

// Publish stores the artifact locally and advertises it. Publishing an
// artifact that is already held re-advertises it. An advertisement failure
// leaves the artifact published locally; peers can still find it through the
// holdings summary.
func (d *Directory) Publish(ctx context.Context, art *core.Artifact) (core.Digest, error) {
	if art == nil || art.Hash.IsZero() {
		return core.Digest{}, errors.New("publish: artifact has no hash")
	}
	if as, ok := d.cfg.Store.(artifactStore); ok {
		if _, err := as.PutArtifact(ctx, art); err != nil {
			return core.Digest{}, fmt.Errorf("publish %s: %w", art.Hash.Short(), err)
		}
	} else if _, err := d.cfg.Store.Put(ctx, art.Hash, art.Bytes); err != nil {
		return core.Digest{}, fmt.Errorf("publish %s: %w", art.Hash.Short(), err)
	}
	d.holdings.Add(art.Hash)
	d.advertise(ctx, art.Hash)

	d.mu.Lock()
	d.stats.Published++
	d.mu.Unlock()
	return art.Hash, nil
}

func (d *Directory) advertise(ctx context.Context, hash core.Digest) {
	if d.cfg.Router == nil {
		return
	}
	if err := d.cfg.Router.Provide(ctx, hash); err != nil {
		d.logger.Warn("provide failed", zap.String("hash", hash.Short()), zap.Error(err))
	}
}

// Fetch returns the bytes for hash from the local store or the swarm.
func (d *Directory) Fetch(ctx context.Context, hash core.Digest) ([]byte, error) {
	return d.FetchFor(ctx, hash, "")
}

// FetchFor is Fetch with a preferred target: peers whose profile matches
// target are asked first.
func (d *Directory) FetchFor(ctx context.Context, hash core.Digest, target string) ([]byte, error) {
	b, err := d.cfg.Store.Get(ctx, hash)
	if err == nil {
		d.count(func(s *Stats) { s.LocalHits++ })
		return b, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("fetch %s: %w", hash.Short(), err)
	}

	ch := d.flights.DoChan(hash.String()+"|"+target, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.FetchTimeout)
		defer cancel()
		return d.fetchRemote(fctx, hash, target)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FetchArtifact is Fetch returning an artifact, with metadata when the store
// kept it.
func (d *Directory) FetchArtifact(ctx context.Context, hash core.Digest) (*core.Artifact, error) {
	if as, ok := d.cfg.Store.(artifactStore); ok {
		if a, err := as.GetArtifact(ctx, hash); err == nil {
			d.count(func(s *Stats) { s.LocalHits++ })
			return a, nil
		}
	}
	b, err := d.Fetch(ctx, hash)
	if err != nil {
		return nil, err
	}
	return core.RawArtifact(hash, b), nil
}

func (d *Directory) fetchRemote(ctx context.Context, hash core.Digest, target string) ([]byte, error) {
	logger := d.logger.With(zap.String("hash", hash.Short()))
	candidates := d.candidates(ctx, hash, target)
	if len(candidates) > d.cfg.MaxAttempts {
		candidates = candidates[:d.cfg.MaxAttempts]
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := d.tryPeer(ctx, c, hash)
		if err != nil {
			logger.Debug("peer fetch failed", zap.Stringer("peer", c.ID), zap.Error(err))
			continue
		}
		if d.cfg.Verifier != nil {
			if err := d.cfg.Verifier.Validate(b); err != nil {
				d.count(func(s *Stats) { s.Rejected++ })
				logger.Warn("rejected artifact from peer", zap.Stringer("peer", c.ID), zap.Error(err))
				continue
			}
		}
		if _, err := d.cfg.Store.Put(ctx, hash, b); err != nil {
			return nil, fmt.Errorf("store fetched %s: %w", hash.Short(), err)
		}
		d.holdings.Add(hash)
		d.advertise(ctx, hash)
		d.cfg.Peers.Touch(c.ID)
		d.count(func(s *Stats) { s.RemoteHits++ })
		logger.Debug("fetched from peer", zap.Stringer("peer", c.ID), zap.Int("bytes", len(b)))
		return b, nil
	}

	d.count(func(s *Stats) { s.Misses++ })
	return nil, core.NotFoundError(hash).WithContext("attempts", len(candidates))
}

// tryPeer runs one fetch through the peer's breaker. A peer that answers
// "not found" is healthy and does not count towards tripping.
func (d *Directory) tryPeer(ctx context.Context, p peer.AddrInfo, hash core.Digest) ([]byte, error) {
	if d.cfg.Dialer == nil {
		return nil, errors.New("no dialer configured")
	}
	v, err := d.breaker(p.ID).Execute(func() (interface{}, error) {
		return d.cfg.Dialer.FetchFrom(ctx, p, hash)
	})
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			d.count(func(s *Stats) { s.PeerFailures++ })
		}
		return nil, err
	}
	return v.([]byte), nil
}

func (d *Directory) breaker(id peer.ID) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[id]; ok {
		return cb
	}
	trip := d.cfg.BreakerTrip
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id.String(),
		MaxRequests: 1,
		Timeout:     d.cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= trip
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, core.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Info("peer breaker state changed",
				zap.String("peer", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})
	d.breakers[id] = cb
	return cb
}

// BreakerState reports the breaker state for a peer. Peers never dialed are
// closed.
func (d *Directory) BreakerState(id peer.ID) gobreaker.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[id]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

type candidate struct {
	info     peer.AddrInfo
	matches  bool
	lastSeen time.Time
}

// candidates merges router providers with peers whose holdings summary may
// contain hash, excluding this node.
func (d *Directory) candidates(ctx context.Context, hash core.Digest, target string) []peer.AddrInfo {
	byID := make(map[peer.ID]*candidate)
	add := func(info peer.AddrInfo) *candidate {
		if info.ID == "" || info.ID == d.cfg.Self {
			return nil
		}
		c, ok := byID[info.ID]
		if !ok {
			c = &candidate{info: info, matches: target == ""}
			byID[info.ID] = c
		} else if len(c.info.Addrs) == 0 {
			c.info.Addrs = info.Addrs
		}
		if rec, known := d.cfg.Peers.Get(info.ID); known {
			c.lastSeen = rec.LastSeen
			c.matches = target == "" || rec.Profile.Matches(target)
			if len(c.info.Addrs) == 0 {
				c.info.Addrs = rec.Addrs
			}
		}
		return c
	}

	if d.cfg.Router != nil {
		providers, err := d.cfg.Router.FindProviders(ctx, hash, d.cfg.ProviderLimit)
		if err != nil {
			d.logger.Debug("find providers failed", zap.String("hash", hash.Short()), zap.Error(err))
		}
		for _, p := range providers {
			add(p)
		}
	}
	for _, rec := range d.cfg.Peers.Peers() {
		if rec.Holdings.MayHave(hash) {
			add(peer.AddrInfo{ID: rec.ID, Addrs: rec.Addrs})
		}
	}

	list := make([]*candidate, 0, len(byID))
	for _, c := range byID {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.matches != b.matches {
			return a.matches
		}
		if !a.lastSeen.Equal(b.lastSeen) {
			return a.lastSeen.After(b.lastSeen)
		}
		return a.info.ID < b.info.ID
	})
	out := make([]peer.AddrInfo, len(list))
	for i, c := range list {
		out[i] = c.info
	}
	return out
}

// LocalCapabilities is this node's side of the capability exchange.
func (d *Directory) LocalCapabilities() (core.CapabilityProfile, []byte, error) {
	summary, err := d.holdings.Marshal()
	if err != nil {
		return core.CapabilityProfile{}, nil, err
	}
	return d.cfg.Profile, summary, nil
}

// HandleCapabilities records a peer's side of the capability exchange.
func (d *Directory) HandleCapabilities(rec PeerRecord, holdings []byte) error {
	h, err := UnmarshalHoldings(holdings)
	if err != nil {
		return core.ProtocolError("bad holdings summary", err)
	}
	rec.Holdings = h
	d.cfg.Peers.Upsert(rec)
	d.logger.Debug("peer capabilities",
		zap.Stringer("peer", rec.ID),
		zap.String("arch", rec.Profile.Architecture),
		zap.Bool("simd", rec.Profile.SIMD))
	return nil
}

// PeerGone drops a disconnected peer and its breaker.
func (d *Directory) PeerGone(id peer.ID) {
	d.cfg.Peers.Remove(id)
	d.mu.Lock()
	delete(d.breakers, id)
	d.mu.Unlock()
}

// Has reports whether the artifact is held locally.
func (d *Directory) Has(ctx context.Context, hash core.Digest) (bool, error) {
	return d.cfg.Store.Has(ctx, hash)
}

// Local returns locally held bytes only; it never asks peers.
func (d *Directory) Local(ctx context.Context, hash core.Digest) ([]byte, error) {
	return d.cfg.Store.Get(ctx, hash)
}

// Stats returns a snapshot of directory counters.
func (d *Directory) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Directory) count(fn func(*Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}
