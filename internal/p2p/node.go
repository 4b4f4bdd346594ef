// Package p2p implements the libp2p ledger gateway: a node answers ledger
// queries and submissions over streams and gossips extrinsic status events.
package p2p

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"github.com/ccoin/shielded/internal/ledger"
)

// Protocol IDs
const (
	LedgerProtocol protocol.ID = "/shielded/ledger/1.0.0"
	StatusTopic                = "shielded/status"
)

// Node is a libp2p host joined to the status topic
type Node struct {
	mu sync.RWMutex

	host   host.Host
	pubsub *pubsub.PubSub
	log    zerolog.Logger

	statusTopic   *pubsub.Topic
	statusSub     *pubsub.Subscription
	statusHandler MessageHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// MessageHandler handles an incoming gossip message
type MessageHandler func(ctx context.Context, msg *pubsub.Message) error

// Config holds P2P node configuration
type Config struct {
	ListenAddrs    []string
	BootstrapPeers []string
	PrivateKey     crypto.PrivKey

	// Connections are trimmed to LowWater once HighWater is exceeded.
	// Protected peers are never trimmed.
	LowWater    int
	HighWater   int
	GracePeriod time.Duration

	DialTimeout time.Duration
	Logger      zerolog.Logger
}

// DefaultConfig returns default P2P configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/9400"},
		LowWater:    32,
		HighWater:   64,
		GracePeriod: time.Minute,
		DialTimeout: 10 * time.Second,
		Logger:      zerolog.Nop(),
	}
}

// NewNode creates a node, connects to the bootstrap peers and joins the
// status topic. Gossip that does not decode as a status event is rejected
// and not forwarded.
func NewNode(ctx context.Context, cfg *Config) (*Node, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	privKey := cfg.PrivateKey
	if privKey == nil {
		var err error
		privKey, _, err = crypto.GenerateKeyPairWithReader(crypto.Ed25519, -1, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
	}

	listenAddrs := make([]multiaddr.Multiaddr, len(cfg.ListenAddrs))
	for i, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address: %w", err)
		}
		listenAddrs[i] = ma
	}

	cm, err := connmgr.NewConnManager(cfg.LowWater, cfg.HighWater, connmgr.WithGracePeriod(cfg.GracePeriod))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(nodeCtx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	node := &Node{
		host:   h,
		pubsub: ps,
		log:    cfg.Logger.With().Str("component", "p2p").Str("peer", h.ID().String()).Logger(),
		ctx:    nodeCtx,
		cancel: cancel,
	}

	if err := ps.RegisterTopicValidator(StatusTopic, validateStatus); err != nil {
		node.Close()
		return nil, fmt.Errorf("failed to register status validator: %w", err)
	}
	node.statusTopic, err = ps.Join(StatusTopic)
	if err != nil {
		node.Close()
		return nil, fmt.Errorf("failed to join status topic: %w", err)
	}

	for _, addr := range cfg.BootstrapPeers {
		dialCtx, cancelDial := context.WithTimeout(nodeCtx, cfg.DialTimeout)
		_, err := node.Connect(dialCtx, addr)
		cancelDial()
		if err != nil {
			node.log.Warn().Err(err).Str("addr", addr).Msg("failed to connect to bootstrap peer")
		}
	}

	return node, nil
}

func validateStatus(ctx context.Context, from peer.ID, msg *pubsub.Message) bool {
	_, err := ledger.DecodeStatusEvent(msg.Data)
	return err == nil
}

// Start subscribes to the status topic and dispatches messages to the status
// handler until the node closes
func (n *Node) Start() error {
	sub, err := n.statusTopic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to status: %w", err)
	}
	n.mu.Lock()
	n.statusSub = sub
	n.mu.Unlock()

	go n.processMessages(sub)
	return nil
}

func (n *Node) processMessages(sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			continue
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}

		n.mu.RLock()
		handler := n.statusHandler
		n.mu.RUnlock()
		if handler == nil {
			continue
		}
		if err := handler(n.ctx, msg); err != nil {
			n.log.Debug().Err(err).Str("from", msg.ReceivedFrom.String()).Msg("status message rejected")
		}
	}
}

// SetStatusHandler sets the handler for incoming status gossip
func (n *Node) SetStatusHandler(handler MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statusHandler = handler
}

// PublishStatus broadcasts an encoded status event
func (n *Node) PublishStatus(ctx context.Context, data []byte) error {
	return n.statusTopic.Publish(ctx, data)
}

// Connect dials a peer given its full multiaddress (with /p2p/ component)
func (n *Node) Connect(ctx context.Context, addr string) (peer.ID, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return "", err
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return "", err
	}
	if err := n.host.Connect(ctx, *info); err != nil {
		return "", err
	}
	return info.ID, nil
}

// Protect keeps connections to id open while tag is set
func (n *Node) Protect(id peer.ID, tag string) {
	n.host.ConnManager().Protect(id, tag)
}

// Unprotect clears tag on id
func (n *Node) Unprotect(id peer.ID, tag string) {
	n.host.ConnManager().Unprotect(id, tag)
}

// IsProtected reports whether tag is set on id
func (n *Node) IsProtected(id peer.ID, tag string) bool {
	return n.host.ConnManager().IsProtected(id, tag)
}

// NewStream opens a stream to a connected peer
func (n *Node) NewStream(ctx context.Context, id peer.ID, proto protocol.ID) (network.Stream, error) {
	return n.host.NewStream(ctx, id, proto)
}

// RegisterProtocol registers a stream protocol handler
func (n *Node) RegisterProtocol(protoID protocol.ID, handler network.StreamHandler) {
	n.host.SetStreamHandler(protoID, handler)
}

// ID returns the node's peer ID
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// FullAddrs returns the listen addresses with the /p2p/ component, ready to
// pass to Connect
func (n *Node) FullAddrs() []string {
	suffix, err := multiaddr.NewMultiaddr("/p2p/" + n.host.ID().String())
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(n.host.Addrs()))
	for _, a := range n.host.Addrs() {
		out = append(out, a.Encapsulate(suffix).String())
	}
	return out
}

// Peers returns the connected peers
func (n *Node) Peers() []peer.ID {
	return n.host.Network().Peers()
}

// Close shuts down the node
func (n *Node) Close() error {
	n.cancel()

	n.mu.Lock()
	if n.statusSub != nil {
		n.statusSub.Cancel()
	}
	n.mu.Unlock()
	if n.statusTopic != nil {
		n.statusTopic.Close()
	}
	return n.host.Close()
}
