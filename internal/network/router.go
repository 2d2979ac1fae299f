package network

import (
	"context"
	"fmt"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	libp2p_host "github.com/libp2p/go-libp2p/core/host"
	peer "github.com/libp2p/go-libp2p/core/peer"
	p2p_protocol "github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"github.com/nmxmxh/swarmjit/internal/core"
)

// DHTPrefix keeps the swarm's DHT separate from the public IPFS one.
const DHTPrefix p2p_protocol.ID = "/swarmjit"

// DHTRouter advertises and finds artifact holders on a Kademlia DHT keyed by
// the artifact CID. It satisfies swarm.ContentRouter.
type DHTRouter struct {
	dht    *dht.IpfsDHT
	logger *zap.Logger
}

// NewDHTRouter starts a DHT on h. Server mode answers queries from other
// peers; otherwise the DHT decides from reachability.
func NewDHTRouter(ctx context.Context, h libp2p_host.Host, server bool, logger *zap.Logger) (*DHTRouter, error) {
	mode := dht.ModeAuto
	if server {
		mode = dht.ModeServer
	}
	d, err := dht.New(ctx, h, dht.Mode(mode), dht.ProtocolPrefix(DHTPrefix))
	if err != nil {
		return nil, fmt.Errorf("start dht: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DHTRouter{dht: d, logger: logger.Named("dht")}, nil
}

// Bootstrap refreshes the routing table from connected peers.
func (r *DHTRouter) Bootstrap(ctx context.Context) error {
	return r.dht.Bootstrap(ctx)
}

// RoutingTableSize returns the number of peers in the routing table.
func (r *DHTRouter) RoutingTableSize() int {
	return r.dht.RoutingTable().Size()
}

// Provide announces that this node holds hash.
func (r *DHTRouter) Provide(ctx context.Context, hash core.Digest) error {
	c, err := hash.CID()
	if err != nil {
		return err
	}
	if err := r.dht.Provide(ctx, c, true); err != nil {
		return fmt.Errorf("provide %s: %w", hash.Short(), err)
	}
	return nil
}

// FindProviders returns up to limit holders of hash.
func (r *DHTRouter) FindProviders(ctx context.Context, hash core.Digest, limit int) ([]peer.AddrInfo, error) {
	c, err := hash.CID()
	if err != nil {
		return nil, err
	}
	var out []peer.AddrInfo
	for p := range r.dht.FindProvidersAsync(ctx, c, limit) {
		out = append(out, p)
	}
	r.logger.Debug("providers", zap.String("hash", hash.Short()), zap.Int("found", len(out)))
	return out, ctx.Err()
}

// Close stops the DHT.
func (r *DHTRouter) Close() error {
	return r.dht.Close()
}
