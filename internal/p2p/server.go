package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/rs/zerolog"

	"github.com/ccoin/shielded/internal/ledger"
	"github.com/ccoin/shielded/pkg/types"
)

// statusSource is a ledger that reports every status event it produces
type statusSource interface {
	OnStatus(fn func(ledger.StatusEvent)) func()
}

// ServerConfig holds gateway server settings
type ServerConfig struct {
	// RequestTimeout bounds reading a request and answering it
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// DefaultServerConfig returns default server settings
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		RequestTimeout: 30 * time.Second,
		Logger:         zerolog.Nop(),
	}
}

// Server answers LedgerProtocol streams from a local ledger and gossips its
// status events
type Server struct {
	node   *Node
	ledger ledger.Client
	cfg    ServerConfig
	log    zerolog.Logger

	unsubscribe func()
}

// Serve registers the ledger protocol on node. If l reports status events
// they are published on StatusTopic.
func Serve(node *Node, l ledger.Client, cfg ServerConfig) *Server {
	srv := &Server{
		node:   node,
		ledger: l,
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "gateway").Logger(),
	}
	node.RegisterProtocol(LedgerProtocol, srv.handleStream)
	if src, ok := l.(statusSource); ok {
		srv.unsubscribe = src.OnStatus(srv.PublishStatus)
	}
	return srv
}

// Close stops serving
func (srv *Server) Close() {
	srv.node.host.RemoveStreamHandler(LedgerProtocol)
	if srv.unsubscribe != nil {
		srv.unsubscribe()
	}
}

// PublishStatus gossips one status event
func (srv *Server) PublishStatus(ev ledger.StatusEvent) {
	data, err := ledger.EncodeStatusEvent(&ev)
	if err != nil {
		srv.log.Error().Err(err).Msg("refusing to publish malformed status event")
		return
	}
	if err := srv.node.PublishStatus(srv.node.ctx, data); err != nil {
		srv.log.Warn().Err(err).Str("tx", ev.TxHash.Short()).Msg("status publish failed")
	}
}

func (srv *Server) handleStream(s network.Stream) {
	defer s.Close()

	if srv.cfg.RequestTimeout > 0 {
		s.SetReadDeadline(time.Now().Add(srv.cfg.RequestTimeout))
	}
	var req Request
	if err := readJSON(s, MsgTypeRequest, &req); err != nil {
		srv.log.Debug().Err(err).Str("remote", s.Conn().RemotePeer().String()).Msg("bad request frame")
		s.Reset()
		return
	}
	s.SetReadDeadline(time.Time{})

	if req.Method == MethodWatch {
		srv.watch(s, &req)
		return
	}

	ctx := srv.node.ctx
	if srv.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, srv.cfg.RequestTimeout)
		defer cancel()
		s.SetWriteDeadline(time.Now().Add(srv.cfg.RequestTimeout))
	}

	resp := srv.dispatch(ctx, &req)
	if err := writeJSON(s, MsgTypeResponse, resp); err != nil {
		srv.log.Debug().Err(err).Str("method", req.Method).Msg("write response")
		s.Reset()
	}
}

// dispatch runs one non-streaming request
func (srv *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case MethodRoot:
		root, err := srv.ledger.Root(ctx)
		if err != nil {
			return queryError(err)
		}
		return newResult(root)

	case MethodTreeDepth:
		depth, err := srv.ledger.TreeDepth(ctx)
		if err != nil {
			return queryError(err)
		}
		return newResult(depth)

	case MethodSibling:
		var p SiblingParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return newError(CodeBadRequest, err)
		}
		sib, err := srv.ledger.Sibling(ctx, p.Level, p.Index)
		if err != nil {
			return queryError(err)
		}
		return newResult(sib)

	case MethodBalance:
		var p AccountParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return newError(CodeBadRequest, err)
		}
		bal, err := srv.ledger.Balance(ctx, p.Account)
		if err != nil {
			return queryError(err)
		}
		return newResult(bal)

	case MethodFindNullifier:
		var p HashParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return newError(CodeBadRequest, err)
		}
		rec, found, err := srv.ledger.FindNullifier(ctx, p.Hash)
		if err != nil {
			return queryError(err)
		}
		return newResult(FindResult{Found: found, Spend: rec})

	case MethodFindCommitment:
		var p HashParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return newError(CodeBadRequest, err)
		}
		idx, found, err := srv.ledger.FindCommitment(ctx, p.Hash)
		if err != nil {
			return queryError(err)
		}
		return newResult(FindResult{Found: found, LeafIndex: idx})

	case MethodSubmit:
		var x types.Extrinsic
		if err := json.Unmarshal(req.Params, &x); err != nil {
			return newError(CodeBadRequest, err)
		}
		hash, err := srv.ledger.Submit(ctx, &x)
		if err != nil {
			srv.log.Info().Err(err).Stringer("kind", x.Kind).Msg("submission refused")
			return newError(CodeRejected, err)
		}
		return newResult(hash)
	}
	return newError(CodeBadRequest, ErrUnknownMethod)
}

func queryError(err error) *Response {
	if errors.Is(err, ledger.ErrNotFound) {
		return newError(CodeNotFound, err)
	}
	return newError(CodeUnavailable, err)
}

// watch acknowledges the subscription, then streams events until a terminal
// one, the remote closing the stream, or the node shutting down
func (srv *Server) watch(s network.Stream, req *Request) {
	var p HashParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		writeJSON(s, MsgTypeResponse, newError(CodeBadRequest, err))
		return
	}

	ctx, cancel := context.WithCancel(srv.node.ctx)
	defer cancel()

	sub, err := srv.ledger.Watch(ctx, p.Hash)
	if err != nil {
		writeJSON(s, MsgTypeResponse, queryError(err))
		return
	}
	defer sub.Close()

	if err := writeJSON(s, MsgTypeResponse, newResult(p.Hash)); err != nil {
		s.Reset()
		return
	}

	// The remote ends the watch by closing or resetting the stream
	go func() {
		io.Copy(io.Discard, s)
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case ev := <-sub.Events():
			data, err := ledger.EncodeStatusEvent(&ev)
			if err != nil {
				srv.log.Error().Err(err).Msg("dropping malformed status event")
				continue
			}
			msg := Message{Type: MsgTypeEvent, Payload: data}
			if err := msg.Encode(s); err != nil {
				s.Reset()
				return
			}
			if ev.Kind.Terminal() {
				return
			}
		}
	}
}
