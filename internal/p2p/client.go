package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	"github.com/ccoin/shielded/internal/ledger"
	"github.com/ccoin/shielded/pkg/types"
)

// gatewayTag protects the gateway connection from trimming
const gatewayTag = "shielded-gateway"

// ClientConfig holds gateway client settings
type ClientConfig struct {
	// RequestTimeout bounds each request; watches are bounded only by Close
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// DefaultClientConfig returns default client settings
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout: 15 * time.Second,
		Logger:         zerolog.Nop(),
	}
}

// Client is a ledger.Client backed by a remote gateway node
type Client struct {
	node *Node
	peer peer.ID
	cfg  ClientConfig
	log  zerolog.Logger

	mu        sync.Mutex
	listeners map[int]func(ledger.StatusEvent)
	nextID    int
}

// Dial connects node to the gateway at addr and installs the status gossip
// handler
func Dial(ctx context.Context, node *Node, addr string, cfg ClientConfig) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	id, err := node.Connect(dialCtx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ledger.ErrUnavailable, addr, err)
	}
	c := &Client{
		node:      node,
		peer:      id,
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "gateway-client").Str("gateway", id.String()).Logger(),
		listeners: make(map[int]func(ledger.StatusEvent)),
	}
	node.Protect(id, gatewayTag)
	node.SetStatusHandler(c.handleStatus)
	return c, nil
}

// Close detaches the client from the node
func (c *Client) Close() {
	c.node.SetStatusHandler(nil)
	c.node.Unprotect(c.peer, gatewayTag)
}

// OnStatus registers fn for every status event gossiped on the network. The
// returned func removes it.
func (c *Client) OnStatus(fn func(ledger.StatusEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Client) handleStatus(ctx context.Context, msg *pubsub.Message) error {
	if msg.GetFrom() != c.peer {
		return nil
	}
	ev, err := ledger.DecodeStatusEvent(msg.Data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	listeners := make([]func(ledger.StatusEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(*ev)
	}
	return nil
}

// open starts a stream and sends one request. The stream is reset if ctx
// ends before stop is called.
func (c *Client) open(ctx context.Context, method string, params any) (network.Stream, func() bool, error) {
	s, err := c.node.NewStream(ctx, c.peer, LedgerProtocol)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open stream: %v", ledger.ErrUnavailable, err)
	}
	stop := context.AfterFunc(ctx, func() { s.Reset() })

	if dl, ok := ctx.Deadline(); ok {
		s.SetDeadline(dl)
	}
	req, err := newRequest(method, params)
	if err != nil {
		stop()
		s.Reset()
		return nil, nil, err
	}
	if err := writeJSON(s, MsgTypeRequest, req); err != nil {
		stop()
		s.Reset()
		return nil, nil, fmt.Errorf("%w: write %s: %v", ledger.ErrUnavailable, method, err)
	}
	return s, stop, nil
}

// call runs one request and decodes its result into out
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	s, stop, err := c.open(ctx, method, params)
	if err != nil {
		return err
	}
	defer stop()
	defer s.Close()
	s.CloseWrite()

	var resp Response
	if err := readJSON(s, MsgTypeResponse, &resp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: read %s: %v", ledger.ErrUnavailable, method, err)
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// Root implements ledger.Querier
func (c *Client) Root(ctx context.Context) (types.Hash, error) {
	var root types.Hash
	err := c.call(ctx, MethodRoot, nil, &root)
	return root, err
}

// TreeDepth implements ledger.Querier
func (c *Client) TreeDepth(ctx context.Context) (int, error) {
	var depth int
	err := c.call(ctx, MethodTreeDepth, nil, &depth)
	return depth, err
}

// Sibling implements ledger.Querier
func (c *Client) Sibling(ctx context.Context, level int, index uint64) (types.Hash, error) {
	var sib types.Hash
	err := c.call(ctx, MethodSibling, SiblingParams{Level: level, Index: index}, &sib)
	return sib, err
}

// Balance implements ledger.Querier
func (c *Client) Balance(ctx context.Context, addr types.Address) (uint64, error) {
	var bal uint64
	err := c.call(ctx, MethodBalance, AccountParams{Account: addr}, &bal)
	return bal, err
}

// FindNullifier implements ledger.History
func (c *Client) FindNullifier(ctx context.Context, nullifier types.Hash) (*ledger.SpendRecord, bool, error) {
	var res FindResult
	if err := c.call(ctx, MethodFindNullifier, HashParams{Hash: nullifier}, &res); err != nil {
		return nil, false, err
	}
	return res.Spend, res.Found, nil
}

// FindCommitment implements ledger.History
func (c *Client) FindCommitment(ctx context.Context, commitment types.Hash) (uint64, bool, error) {
	var res FindResult
	if err := c.call(ctx, MethodFindCommitment, HashParams{Hash: commitment}, &res); err != nil {
		return 0, false, err
	}
	return res.LeafIndex, res.Found, nil
}

// Submit implements ledger.Submitter
func (c *Client) Submit(ctx context.Context, x *types.Extrinsic) (types.Hash, error) {
	var hash types.Hash
	err := c.call(ctx, MethodSubmit, x, &hash)
	return hash, err
}

// Watch implements ledger.Submitter. It returns once the gateway confirmed
// the subscription, so a following Submit cannot race it.
func (c *Client) Watch(ctx context.Context, txHash types.Hash) (*ledger.Subscription, error) {
	ackCtx := ctx
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ackCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	s, stop, err := c.open(ackCtx, MethodWatch, HashParams{Hash: txHash})
	if err != nil {
		return nil, err
	}
	var ack Response
	err = readJSON(s, MsgTypeResponse, &ack)
	stop()
	if err == nil {
		err = ack.Err()
	}
	if err != nil {
		s.Reset()
		return nil, fmt.Errorf("watch %s: %w", txHash.Short(), err)
	}
	s.SetDeadline(time.Time{})

	sub := ledger.NewSubscription(txHash, 16, func() { s.Reset() })
	go c.readEvents(s, sub)
	return sub, nil
}

// readEvents forwards watch events until a terminal one or stream end
func (c *Client) readEvents(s network.Stream, sub *ledger.Subscription) {
	for {
		var msg Message
		if err := msg.Decode(s); err != nil {
			return
		}
		if msg.Type != MsgTypeEvent {
			c.log.Debug().Uint8("type", msg.Type).Msg("unexpected message on watch stream")
			continue
		}
		ev, err := ledger.DecodeStatusEvent(msg.Payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed status event")
			continue
		}
		if ev.TxHash != sub.TxHash {
			continue
		}
		if !sub.Deliver(*ev) || ev.Kind.Terminal() {
			return
		}
	}
}

var _ ledger.Client = (*Client)(nil)
