package node

import (
	"context"
	"errors"
	"fmt"

	peer "github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/nmxmxh/swarmjit/internal/core"
	"github.com/nmxmxh/swarmjit/internal/network"
	"github.com/nmxmxh/swarmjit/internal/protocol"
)

// Serve registers the node's request handlers on h.
func (n *Node) Serve(h *network.Host) {
	h.Handle(network.FetchProtocol, n.HandleFetch)
	h.Handle(network.CompileProtocol, n.HandleCompile)
	h.Handle(network.ExecuteProtocol, n.HandleExecute)
}

// HandleFetch serves locally held artifact bytes. It never asks other peers.
func (n *Node) HandleFetch(ctx context.Context, from peer.ID, req protocol.Message) (protocol.Message, error) {
	fr, ok := req.(*protocol.FetchRequest)
	if !ok {
		return nil, unexpected(req, "fetch")
	}
	if !n.allow(from.String()) {
		return &protocol.FetchResponse{NotFound: true}, nil
	}
	b, err := n.cfg.Directory.Local(ctx, fr.Hash)
	if errors.Is(err, core.ErrNotFound) {
		return &protocol.FetchResponse{NotFound: true}, nil
	}
	if err != nil {
		n.logger.Warn("serve fetch", zap.String("hash", fr.Hash.Short()), zap.Error(err))
		return &protocol.FetchResponse{NotFound: true}, nil
	}
	return &protocol.FetchResponse{Bytes: b}, nil
}

// HandleCompile compiles and publishes source on behalf of a peer.
func (n *Node) HandleCompile(ctx context.Context, from peer.ID, req protocol.Message) (protocol.Message, error) {
	cr, ok := req.(*protocol.CompileRequest)
	if !ok {
		return nil, unexpected(req, "compile")
	}
	if !n.allow(from.String()) {
		return &protocol.CompileResponse{ErrorCode: core.ErrCodeRateLimit, Error: core.ErrRateLimit.Message}, nil
	}
	art, err := n.Publish(ctx, cr.Source, cr.Options)
	if err != nil {
		n.logger.Debug("remote compile failed", zap.Stringer("peer", from), zap.Error(err))
		return &protocol.CompileResponse{ErrorCode: codeOf(err, core.ErrCodeCompile), Error: err.Error()}, nil
	}
	return &protocol.CompileResponse{Hash: art.Hash, SizeBytes: int64(art.SizeBytes)}, nil
}

// HandleExecute fetches, schedules and runs an artifact on behalf of a peer.
func (n *Node) HandleExecute(ctx context.Context, from peer.ID, req protocol.Message) (protocol.Message, error) {
	er, ok := req.(*protocol.ExecuteRequest)
	if !ok {
		return nil, unexpected(req, "execute")
	}
	if !n.allow(from.String()) {
		return &protocol.ExecuteResponse{
			Outcome:   core.OutcomeFailure,
			ErrorCode: core.ErrCodeRateLimit,
			Error:     core.ErrRateLimit.Message,
		}, nil
	}
	caps := core.ParseCapabilities(er.Capabilities)
	res, err := n.Submit(ctx, er.Hash, er.Input, caps, int(er.Priority))
	n.logger.Debug("remote execute",
		zap.Stringer("peer", from),
		zap.String("hash", er.Hash.Short()),
		zap.Stringer("outcome", res.Outcome.Kind),
		zap.Error(err))
	return protocol.NewExecuteResponse(res, err), nil
}

func unexpected(req protocol.Message, stream string) error {
	return core.ProtocolError(fmt.Sprintf("unexpected %s on %s stream", req.Type(), stream), nil)
}

func codeOf(err error, fallback string) string {
	if code := core.Code(err); code != "" {
		return code
	}
	return fallback
}
