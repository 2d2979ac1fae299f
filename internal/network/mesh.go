// Package network is the libp2p side of the swarm: the host, request/response
// streams carrying wire frames, direct-then-relay dialing, the capability
// handshake and DHT content routing.
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	libp2p_host "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	peer "github.com/libp2p/go-libp2p/core/peer"
	p2p_protocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"
	relayv2 "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/relay"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/nmxmxh/swarmjit/internal/core"
	"github.com/nmxmxh/swarmjit/internal/protocol"
	"github.com/nmxmxh/swarmjit/internal/swarm"
)

// Stream protocols.
const (
	CapabilitiesProtocol p2p_protocol.ID = "/swarmjit/capabilities/1.0.0"
	FetchProtocol        p2p_protocol.ID = "/swarmjit/fetch/1.0.0"
	CompileProtocol      p2p_protocol.ID = "/swarmjit/compile/1.0.0"
	ExecuteProtocol      p2p_protocol.ID = "/swarmjit/execute/1.0.0"
)

const (
	DefaultDirectTimeout = 3 * time.Second
	DefaultStreamTimeout = time.Minute

	// Relayed connections carry whole artifacts, so the per-connection data
	// limit sits well above the largest frame.
	RelayedConnDuration = 10 * time.Minute
	RelayedConnData     = 64 << 20

	reservationRefresh = time.Minute
)

// Handler answers one request frame from a peer. Returning an error means
// the peer sent something it should not have; the stream is reset and the
// peer disconnected.
type Handler func(ctx context.Context, from peer.ID, req protocol.Message) (protocol.Message, error)

// CapabilitySource is the directory side of the capability handshake.
type CapabilitySource interface {
	LocalCapabilities() (core.CapabilityProfile, []byte, error)
	HandleCapabilities(rec swarm.PeerRecord, holdings []byte) error
	PeerGone(id peer.ID)
}

// Config configures a Host.
type Config struct {
	ListenAddrs   []string
	Relays        []peer.AddrInfo
	RelayService  bool // act as a circuit relay for other peers
	DirectTimeout time.Duration
	StreamTimeout time.Duration
	Logger        *zap.Logger
}

// Host wraps a libp2p host with the swarm's protocols.
type Host struct {
	host   libp2p_host.Host
	cfg    Config
	logger *zap.Logger

	mu   sync.RWMutex
	caps CapabilitySource

	relay     *relayv2.Relay
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts a libp2p host with the node identity. Relay transport is
// enabled so peers behind NAT stay reachable through circuit addresses.
func New(id *core.Identity, cfg Config) (*Host, error) {
	if id == nil || id.PrivKey == nil {
		return nil, core.ConfigError("host requires an identity")
	}
	opts := []libp2p.Option{
		libp2p.Identity(id.PrivKey),
		libp2p.EnableRelay(),
	}
	if len(cfg.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("start libp2p host: %w", err)
	}
	host := Wrap(h, cfg)
	if cfg.RelayService {
		svc, err := relayv2.New(h, relayv2.WithLimit(&relayv2.RelayLimit{
			Duration: RelayedConnDuration,
			Data:     RelayedConnData,
		}))
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("start relay service: %w", err)
		}
		host.relay = svc
		host.logger.Info("relay service enabled")
	}
	return host, nil
}

// Wrap adopts an existing libp2p host.
func Wrap(h libp2p_host.Host, cfg Config) *Host {
	if cfg.DirectTimeout <= 0 {
		cfg.DirectTimeout = DefaultDirectTimeout
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = DefaultStreamTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{
		host:    h,
		cfg:     cfg,
		logger:  logger.Named("network").With(zap.Stringer("self", h.ID())),
		closing: make(chan struct{}),
	}
}

// ID returns the local peer ID.
func (h *Host) ID() peer.ID { return h.host.ID() }

// Libp2p exposes the underlying host.
func (h *Host) Libp2p() libp2p_host.Host { return h.host }

// AddrInfo returns the local peer's dialable addresses.
func (h *Host) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: h.host.ID(), Addrs: h.host.Addrs()}
}

// P2PAddrs returns the full /p2p/ addresses of this host.
func (h *Host) P2PAddrs() []ma.Multiaddr {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: h.host.ID(), Addrs: h.host.Addrs()})
	if err != nil {
		return nil
	}
	return addrs
}

// AttachCapabilities starts serving the capability handshake and drops peers
// from src when their last connection closes.
func (h *Host) AttachCapabilities(src CapabilitySource) {
	h.mu.Lock()
	h.caps = src
	h.mu.Unlock()

	h.Handle(CapabilitiesProtocol, h.handleCapabilities)
	h.host.Network().Notify(&network.NotifyBundle{
		DisconnectedF: func(n network.Network, c network.Conn) {
			id := c.RemotePeer()
			if n.Connectedness(id) == network.Connected {
				return
			}
			h.logger.Debug("peer disconnected", zap.Stringer("peer", id))
			src.PeerGone(id)
		},
	})
}

func (h *Host) capabilities() CapabilitySource {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.caps
}

// Handle serves pid with fn. Each stream carries one request frame and one
// response frame.
func (h *Host) Handle(pid p2p_protocol.ID, fn Handler) {
	h.host.SetStreamHandler(pid, func(s network.Stream) {
		from := s.Conn().RemotePeer()
		logger := h.logger.With(zap.Stringer("peer", from), zap.String("protocol", string(pid)))
		_ = s.SetDeadline(time.Now().Add(h.cfg.StreamTimeout))

		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StreamTimeout)
		defer cancel()

		req, err := protocol.ReadFrame(s)
		if err != nil {
			h.violation(s, logger, err)
			return
		}
		resp, err := fn(ctx, from, req)
		if err != nil {
			h.violation(s, logger, err)
			return
		}
		if err := protocol.WriteFrame(s, resp); err != nil {
			logger.Debug("write response failed", zap.Error(err))
			_ = s.Reset()
			return
		}
		_ = s.Close()
	})
}

// violation resets the stream and disconnects a peer that broke the protocol.
func (h *Host) violation(s network.Stream, logger *zap.Logger, err error) {
	logger.Warn("protocol violation, disconnecting peer", zap.Error(err))
	_ = s.Reset()
	_ = h.host.Network().ClosePeer(s.Conn().RemotePeer())
}

// Request opens a stream to p, sends req and returns the reply.
func (h *Host) Request(ctx context.Context, p peer.ID, pid p2p_protocol.ID, req protocol.Message) (protocol.Message, error) {
	s, err := h.host.NewStream(network.WithAllowLimitedConn(ctx, "swarmjit"), p, pid)
	if err != nil {
		return nil, fmt.Errorf("open %s stream to %s: %w", pid, p, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Reset()
		case <-done:
		}
	}()

	resp, err := protocol.Exchange(s, req)
	if err != nil {
		_ = s.Reset()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s request to %s: %w", pid, p, err)
	}
	_ = s.Close()
	return resp, nil
}

// Connect dials p directly and falls back to each configured relay. A new
// connection is followed by the capability handshake.
func (h *Host) Connect(ctx context.Context, p peer.AddrInfo) error {
	if p.ID == h.host.ID() {
		return errors.New("cannot connect to self")
	}
	switch h.host.Network().Connectedness(p.ID) {
	case network.Connected, network.Limited:
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, h.cfg.DirectTimeout)
	err := h.host.Connect(dctx, p)
	cancel()
	if err != nil {
		h.logger.Debug("direct dial failed", zap.Stringer("peer", p.ID), zap.Error(err))
		if rerr := h.connectViaRelay(ctx, p.ID); rerr != nil {
			return fmt.Errorf("connect %s: %w", p.ID, errors.Join(err, rerr))
		}
	}
	return h.Handshake(ctx, p.ID)
}

func (h *Host) connectViaRelay(ctx context.Context, target peer.ID) error {
	if len(h.cfg.Relays) == 0 {
		return errors.New("no relays configured")
	}
	var errs []error
	for _, relay := range h.cfg.Relays {
		if relay.ID == target || relay.ID == h.host.ID() {
			continue
		}
		if err := h.host.Connect(ctx, relay); err != nil {
			errs = append(errs, fmt.Errorf("relay %s: %w", relay.ID, err))
			continue
		}
		circuit, err := CircuitAddr(relay.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rctx := network.WithAllowLimitedConn(ctx, "relay")
		if err := h.host.Connect(rctx, peer.AddrInfo{ID: target, Addrs: []ma.Multiaddr{circuit}}); err != nil {
			errs = append(errs, fmt.Errorf("via relay %s: %w", relay.ID, err))
			continue
		}
		h.logger.Info("connected through relay", zap.Stringer("peer", target), zap.Stringer("relay", relay.ID))
		return nil
	}
	return errors.Join(errs...)
}

// ReserveRelays takes a slot on each configured relay so that peers which
// cannot dial this host directly can reach it through the relay. Slots are
// renewed before they expire until the host closes. It returns the number of
// relays that granted a slot.
func (h *Host) ReserveRelays(ctx context.Context) int {
	granted := 0
	for _, relay := range h.cfg.Relays {
		if relay.ID == h.host.ID() {
			continue
		}
		rsvp, err := client.Reserve(ctx, h.host, relay)
		if err != nil {
			h.logger.Warn("relay reservation refused", zap.Stringer("relay", relay.ID), zap.Error(err))
			continue
		}
		granted++
		h.logger.Debug("relay slot reserved", zap.Stringer("relay", relay.ID), zap.Time("expires", rsvp.Expiration))
		h.wg.Add(1)
		go h.renew(relay, rsvp.Expiration)
	}
	return granted
}

func (h *Host) renew(relay peer.AddrInfo, expires time.Time) {
	defer h.wg.Done()
	for {
		wait := time.Until(expires) - reservationRefresh
		if wait < reservationRefresh {
			wait = reservationRefresh
		}
		timer := time.NewTimer(wait)
		select {
		case <-h.closing:
			timer.Stop()
			return
		case <-timer.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.DirectTimeout)
		rsvp, err := client.Reserve(ctx, h.host, relay)
		cancel()
		if err != nil {
			h.logger.Warn("relay reservation renewal failed", zap.Stringer("relay", relay.ID), zap.Error(err))
			expires = time.Now().Add(2 * reservationRefresh)
			continue
		}
		expires = rsvp.Expiration
	}
}

// CircuitAddr is the relay address through which a target is dialed, as seen
// from the dialer: /p2p/<relay>/p2p-circuit. The target ID travels in the
// AddrInfo.
func CircuitAddr(relay peer.ID) (ma.Multiaddr, error) {
	return ma.NewMultiaddr("/p2p/" + relay.String() + "/p2p-circuit")
}

// Handshake exchanges capability profiles and holdings with a connected peer.
func (h *Host) Handshake(ctx context.Context, p peer.ID) error {
	src := h.capabilities()
	if src == nil {
		return nil
	}
	local, err := h.localExchange(src)
	if err != nil {
		return err
	}
	resp, err := h.Request(ctx, p, CapabilitiesProtocol, local)
	if err != nil {
		return fmt.Errorf("capability handshake with %s: %w", p, err)
	}
	remote, ok := resp.(*protocol.CapabilityExchange)
	if !ok {
		_ = h.host.Network().ClosePeer(p)
		return core.ProtocolError(fmt.Sprintf("unexpected %s in handshake", resp.Type()), nil)
	}
	return src.HandleCapabilities(h.record(p, remote), remote.Holdings)
}

func (h *Host) handleCapabilities(_ context.Context, from peer.ID, req protocol.Message) (protocol.Message, error) {
	remote, ok := req.(*protocol.CapabilityExchange)
	if !ok {
		return nil, core.ProtocolError(fmt.Sprintf("unexpected %s on capabilities stream", req.Type()), nil)
	}
	src := h.capabilities()
	if err := src.HandleCapabilities(h.record(from, remote), remote.Holdings); err != nil {
		return nil, err
	}
	return h.localExchange(src)
}

func (h *Host) localExchange(src CapabilitySource) (*protocol.CapabilityExchange, error) {
	profile, holdings, err := src.LocalCapabilities()
	if err != nil {
		return nil, err
	}
	return &protocol.CapabilityExchange{
		Architecture: profile.Architecture,
		SIMD:         profile.SIMD,
		GPU:          profile.GPU,
		Holdings:     holdings,
	}, nil
}

func (h *Host) record(p peer.ID, ex *protocol.CapabilityExchange) swarm.PeerRecord {
	pub := h.host.Peerstore().PubKey(p)
	for _, c := range h.host.Network().ConnsToPeer(p) {
		if pub != nil {
			break
		}
		pub = c.RemotePublicKey()
	}
	return swarm.PeerRecord{
		ID:        p,
		Addrs:     h.host.Peerstore().Addrs(p),
		PublicKey: pub,
		Profile: core.CapabilityProfile{
			Architecture: ex.Architecture,
			SIMD:         ex.SIMD,
			GPU:          ex.GPU,
		},
	}
}

// FetchFrom asks p for an artifact's bytes. It satisfies swarm.Dialer.
func (h *Host) FetchFrom(ctx context.Context, p peer.AddrInfo, hash core.Digest) ([]byte, error) {
	if err := h.Connect(ctx, p); err != nil {
		return nil, err
	}
	resp, err := h.Request(ctx, p.ID, FetchProtocol, &protocol.FetchRequest{Hash: hash})
	if err != nil {
		return nil, err
	}
	fr, ok := resp.(*protocol.FetchResponse)
	if !ok {
		return nil, core.ProtocolError(fmt.Sprintf("unexpected %s for fetch", resp.Type()), nil)
	}
	if fr.NotFound {
		return nil, core.NotFoundError(hash).WithContext("peer", p.ID.String())
	}
	return fr.Bytes, nil
}

// Compile asks p to compile and publish source.
func (h *Host) Compile(ctx context.Context, p peer.AddrInfo, req *protocol.CompileRequest) (*protocol.CompileResponse, error) {
	if err := h.Connect(ctx, p); err != nil {
		return nil, err
	}
	resp, err := h.Request(ctx, p.ID, CompileProtocol, req)
	if err != nil {
		return nil, err
	}
	cr, ok := resp.(*protocol.CompileResponse)
	if !ok {
		return nil, core.ProtocolError(fmt.Sprintf("unexpected %s for compile", resp.Type()), nil)
	}
	return cr, nil
}

// Execute asks p to run an artifact.
func (h *Host) Execute(ctx context.Context, p peer.AddrInfo, req *protocol.ExecuteRequest) (*protocol.ExecuteResponse, error) {
	if err := h.Connect(ctx, p); err != nil {
		return nil, err
	}
	resp, err := h.Request(ctx, p.ID, ExecuteProtocol, req)
	if err != nil {
		return nil, err
	}
	er, ok := resp.(*protocol.ExecuteResponse)
	if !ok {
		return nil, core.ProtocolError(fmt.Sprintf("unexpected %s for execute", resp.Type()), nil)
	}
	return er, nil
}

// Bootstrap connects to each peer, logging the ones that fail. It returns the
// number of successful connections.
func (h *Host) Bootstrap(ctx context.Context, peers []peer.AddrInfo) int {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, p := range peers {
		if p.ID == h.host.ID() {
			continue
		}
		wg.Add(1)
		go func(p peer.AddrInfo) {
			defer wg.Done()
			if err := h.Connect(ctx, p); err != nil {
				h.logger.Warn("bootstrap peer unreachable", zap.Stringer("peer", p.ID), zap.Error(err))
				return
			}
			mu.Lock()
			ok++
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return ok
}

// ParseAddrInfos parses /p2p/ multiaddr strings, merging addresses of the
// same peer.
func ParseAddrInfos(addrs []string) ([]peer.AddrInfo, error) {
	maddrs := make([]ma.Multiaddr, 0, len(addrs))
	for _, s := range addrs {
		m, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, core.ConfigError(fmt.Sprintf("bad peer address %q: %v", s, err))
		}
		maddrs = append(maddrs, m)
	}
	infos, err := peer.AddrInfosFromP2pAddrs(maddrs...)
	if err != nil {
		return nil, core.ConfigError(fmt.Sprintf("bad peer address: %v", err))
	}
	return infos, nil
}

// Close stops relay renewals and the relay service, then shuts the host down.
func (h *Host) Close() error {
	h.closeOnce.Do(func() { close(h.closing) })
	h.wg.Wait()
	var errs []error
	if h.relay != nil {
		errs = append(errs, h.relay.Close())
	}
	errs = append(errs, h.host.Close())
	return errors.Join(errs...)
}
