package network

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	peer "github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/swarmjit/internal/core"
	"github.com/nmxmxh/swarmjit/internal/protocol"
	"github.com/nmxmxh/swarmjit/internal/store"
	"github.com/nmxmxh/swarmjit/internal/swarm"
)

type testNode struct {
	host *Host
	dir  *swarm.Directory
}

// serveFetch answers fetch requests from the directory's local store, the way
// a node does.
func serveFetch(dir *swarm.Directory) Handler {
	return func(ctx context.Context, _ peer.ID, req protocol.Message) (protocol.Message, error) {
		fr, ok := req.(*protocol.FetchRequest)
		if !ok {
			return nil, core.ProtocolError("unexpected message", nil)
		}
		b, err := dir.Local(ctx, fr.Hash)
		if errors.Is(err, core.ErrNotFound) {
			return &protocol.FetchResponse{NotFound: true}, nil
		}
		if err != nil {
			return nil, err
		}
		return &protocol.FetchResponse{Bytes: b}, nil
	}
}

func newMesh(t *testing.T, n int) []*testNode {
	t.Helper()
	mn := mocknet.New()
	t.Cleanup(func() { _ = mn.Close() })

	nodes := make([]*testNode, n)
	for i := range nodes {
		h, err := mn.GenPeer()
		require.NoError(t, err)
		host := Wrap(h, Config{DirectTimeout: time.Second, StreamTimeout: 5 * time.Second})
		dir, err := swarm.NewDirectory(context.Background(), swarm.Config{
			Self:    h.ID(),
			Store:   store.NewMemory(),
			Dialer:  host,
			Profile: core.CapabilityProfile{Architecture: "amd64", SIMD: i%2 == 0},
		})
		require.NoError(t, err)
		host.AttachCapabilities(dir)
		host.Handle(FetchProtocol, serveFetch(dir))
		nodes[i] = &testNode{host: host, dir: dir}
	}
	require.NoError(t, mn.LinkAll())
	return nodes
}

func TestConnect_HandshakePopulatesBothTables(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	nodes := newMesh(t, 2)
	a, b := nodes[0], nodes[1]

	require.NoError(t, a.host.Connect(ctx, b.host.AddrInfo()))

	rec, ok := a.dir.Peers().Get(b.host.ID())
	require.True(t, ok)
	assert.Equal(t, "amd64", rec.Profile.Architecture)
	assert.False(t, rec.Profile.SIMD)
	assert.NotNil(t, rec.PublicKey)

	require.Eventually(t, func() bool {
		_, ok := b.dir.Peers().Get(a.host.ID())
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// Already connected is a no-op.
	require.NoError(t, a.host.Connect(ctx, b.host.AddrInfo()))
}

func TestConnect_SelfRejected(t *testing.T) {
	nodes := newMesh(t, 1)
	assert.Error(t, nodes[0].host.Connect(context.Background(), nodes[0].host.AddrInfo()))
}

func TestFetch_AcrossPeersViaHoldings(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	nodes := newMesh(t, 2)
	a, b := nodes[0], nodes[1]

	art := core.RawArtifact(core.NewBlake3Hasher().Sum([]byte("art")), []byte("wasm-bytes"))
	_, err := a.dir.Publish(ctx, art)
	require.NoError(t, err)

	// The handshake carries a's holdings to b.
	require.NoError(t, b.host.Connect(ctx, a.host.AddrInfo()))

	got, err := b.dir.Fetch(ctx, art.Hash)
	require.NoError(t, err)
	assert.Equal(t, art.Bytes, got)

	local, err := b.dir.Local(ctx, art.Hash)
	require.NoError(t, err)
	assert.Equal(t, art.Bytes, local)
}

func TestFetchFrom_NotFound(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	nodes := newMesh(t, 2)
	a, b := nodes[0], nodes[1]

	_, err := b.host.FetchFrom(ctx, a.host.AddrInfo(), core.NewBlake3Hasher().Sum([]byte("missing")))
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestMalformedFrame_DisconnectsPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	nodes := newMesh(t, 2)
	a, b := nodes[0], nodes[1]
	require.NoError(t, a.host.Connect(ctx, b.host.AddrInfo()))

	s, err := a.host.Libp2p().NewStream(ctx, b.host.ID(), FetchProtocol)
	require.NoError(t, err)
	// Length 3, then a bad magic byte.
	_, err = s.Write([]byte{3, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	_, err = s.Read(make([]byte, 1))
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		return a.host.Libp2p().Network().Connectedness(b.host.ID()) != network.Connected
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := b.dir.Peers().Get(a.host.ID())
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

// newLoopbackNode starts a real TCP host on 127.0.0.1 serving fetches from
// its own directory.
func newLoopbackNode(t *testing.T, cfg Config) *testNode {
	t.Helper()
	id, err := core.GenerateIdentity()
	require.NoError(t, err)
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	if cfg.StreamTimeout == 0 {
		cfg.StreamTimeout = 5 * time.Second
	}
	host, err := New(id, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.Close() })

	dir, err := swarm.NewDirectory(context.Background(), swarm.Config{
		Self:   host.ID(),
		Store:  store.NewMemory(),
		Dialer: host,
	})
	require.NoError(t, err)
	host.AttachCapabilities(dir)
	host.Handle(FetchProtocol, serveFetch(dir))
	return &testNode{host: host, dir: dir}
}

func TestConnect_FallsBackToRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	relay := newLoopbackNode(t, Config{RelayService: true})
	relays := []peer.AddrInfo{relay.host.AddrInfo()}
	target := newLoopbackNode(t, Config{Relays: relays})
	dialer := newLoopbackNode(t, Config{Relays: relays, DirectTimeout: 500 * time.Millisecond})

	require.Equal(t, 1, target.host.ReserveRelays(ctx))

	art := core.RawArtifact(core.NewBlake3Hasher().Sum([]byte("relayed")), []byte("wasm-bytes"))
	_, err := target.dir.Publish(ctx, art)
	require.NoError(t, err)

	// No addresses for the target: the direct dial cannot succeed.
	require.NoError(t, dialer.host.Connect(ctx, peer.AddrInfo{ID: target.host.ID()}))

	relayed := false
	for _, c := range dialer.host.Libp2p().Network().ConnsToPeer(target.host.ID()) {
		if strings.Contains(c.RemoteMultiaddr().String(), "/p2p-circuit") {
			relayed = true
		}
	}
	assert.True(t, relayed, "connection runs through the relay")

	// The handshake crossed the relay.
	_, ok := dialer.dir.Peers().Get(target.host.ID())
	assert.True(t, ok)

	got, err := dialer.host.FetchFrom(ctx, peer.AddrInfo{ID: target.host.ID()}, art.Hash)
	require.NoError(t, err)
	assert.Equal(t, art.Bytes, got)
}

func TestReserveRelays_RefusedWithoutRelayService(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	plain := newLoopbackNode(t, Config{})
	target := newLoopbackNode(t, Config{Relays: []peer.AddrInfo{plain.host.AddrInfo()}})
	assert.Equal(t, 0, target.host.ReserveRelays(ctx))
}

func TestCircuitAddr(t *testing.T) {
	nodes := newMesh(t, 1)
	addr, err := CircuitAddr(nodes[0].host.ID())
	require.NoError(t, err)
	assert.Equal(t, "/p2p/"+nodes[0].host.ID().String()+"/p2p-circuit", addr.String())
}

func TestParseAddrInfos(t *testing.T) {
	nodes := newMesh(t, 1)
	addrs := nodes[0].host.P2PAddrs()
	require.NotEmpty(t, addrs)

	strs := make([]string, len(addrs))
	for i, a := range addrs {
		strs[i] = a.String()
	}
	infos, err := ParseAddrInfos(strs)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, nodes[0].host.ID(), infos[0].ID)

	_, err = ParseAddrInfos([]string{"not-an-addr"})
	assert.True(t, errors.Is(err, core.ErrConfig))
}

func TestDHTRouter_ProvideAndFind(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	nodes := newMesh(t, 2)
	a, b := nodes[0], nodes[1]

	ra, err := NewDHTRouter(ctx, a.host.Libp2p(), true, nil)
	require.NoError(t, err)
	defer ra.Close()
	rb, err := NewDHTRouter(ctx, b.host.Libp2p(), true, nil)
	require.NoError(t, err)
	defer rb.Close()

	require.NoError(t, a.host.Connect(ctx, b.host.AddrInfo()))
	require.Eventually(t, func() bool {
		return ra.RoutingTableSize() > 0 && rb.RoutingTableSize() > 0
	}, 10*time.Second, 50*time.Millisecond)

	hash := core.NewBlake3Hasher().Sum([]byte("routed"))
	require.NoError(t, ra.Provide(ctx, hash))

	require.Eventually(t, func() bool {
		fctx, fcancel := context.WithTimeout(ctx, time.Second)
		defer fcancel()
		found, _ := rb.FindProviders(fctx, hash, 5)
		for _, p := range found {
			if p.ID == a.host.ID() {
				return true
			}
		}
		return false
	}, 10*time.Second, 100*time.Millisecond)
}
