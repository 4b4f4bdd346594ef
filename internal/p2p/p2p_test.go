package p2p

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shielded/internal/ledger"
	"github.com/ccoin/shielded/internal/ledger/memledger"
	"github.com/ccoin/shielded/internal/merkle"
	"github.com/ccoin/shielded/internal/notestore"
	"github.com/ccoin/shielded/internal/pipeline"
	"github.com/ccoin/shielded/internal/prover"
	"github.com/ccoin/shielded/internal/zkp"
	"github.com/ccoin/shielded/pkg/types"
)

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	in := Message{Type: MsgTypeRequest, Payload: []byte(`{"method":"root"}`)}
	require.NoError(t, in.Encode(&buf))

	var out Message
	require.NoError(t, out.Decode(&buf))
	require.Equal(t, in, out)

	// Oversized length prefix
	buf.Reset()
	buf.Write([]byte{MsgTypeEvent, 0xff, 0xff, 0xff, 0xff})
	require.ErrorIs(t, out.Decode(&buf), ErrMessageTooLarge)

	buf.Reset()
	require.NoError(t, writeJSON(&buf, MsgTypeEvent, HashParams{}))
	var p HashParams
	require.ErrorIs(t, readJSON(&buf, MsgTypeResponse, &p), ErrInvalidMessageType)
}

func TestResponseErr(t *testing.T) {
	require.NoError(t, newResult(1).Err())
	require.ErrorIs(t, newError(CodeNotFound, ErrUnknownMethod).Err(), ledger.ErrNotFound)
	require.ErrorIs(t, newError(CodeUnavailable, ErrUnknownMethod).Err(), ledger.ErrUnavailable)
	require.ErrorIs(t, newError(CodeRejected, ErrUnknownMethod).Err(), ErrRemote)
}

func TestValidateStatus(t *testing.T) {
	ev := &ledger.StatusEvent{Kind: ledger.StatusInBlock, TxHash: types.HashFromBytes([]byte{1}), Block: 3}
	data, err := ledger.EncodeStatusEvent(ev)
	require.NoError(t, err)

	ok := validateStatus(context.Background(), "", &pubsub.Message{Message: &pb.Message{Data: data}})
	require.True(t, ok)
	ok = validateStatus(context.Background(), "", &pubsub.Message{Message: &pb.Message{Data: []byte(`{"kind":"bogus"}`)}})
	require.False(t, ok)
}

// gateway is a memledger served over a loopback node
type gateway struct {
	ledger     *memledger.Ledger
	server     *Server
	client     *Client
	clientNode *Node
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	lcfg := memledger.DefaultConfig()
	lcfg.Depth = 8
	lcfg.FinalityLag = 0
	lcfg.BlockInterval = 5 * time.Millisecond
	l, err := memledger.New(ctx, lcfg)
	require.NoError(t, err)
	go l.Run(ctx)

	cfg := DefaultConfig()
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	serverNode, err := NewNode(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { serverNode.Close() })
	require.NoError(t, serverNode.Start())
	srv := Serve(serverNode, l, DefaultServerConfig())
	t.Cleanup(srv.Close)

	clientNode, err := NewNode(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { clientNode.Close() })
	require.NoError(t, clientNode.Start())

	client, err := Dial(ctx, clientNode, serverNode.FullAddrs()[0], DefaultClientConfig())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return &gateway{ledger: l, server: srv, client: client, clientNode: clientNode}
}

func TestClientQueries(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()

	depth, err := gw.client.TreeDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, 8, depth)

	want, err := gw.ledger.Root(ctx)
	require.NoError(t, err)
	root, err := gw.client.Root(ctx)
	require.NoError(t, err)
	require.Equal(t, want, root)

	cm := types.HashFromBytes([]byte{7})
	_, err = gw.ledger.AppendForeign(ctx, cm)
	require.NoError(t, err)

	sib, err := gw.client.Sibling(ctx, 0, 0)
	require.NoError(t, err)
	require.Equal(t, cm, sib)

	idx, found, err := gw.client.FindCommitment(ctx, cm)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(0), idx)

	_, found, err = gw.client.FindNullifier(ctx, cm)
	require.NoError(t, err)
	require.False(t, found)

	addr := types.AddressFromPublicKey([]byte("alice"))
	gw.ledger.Credit(addr, 42)
	bal, err := gw.client.Balance(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, uint64(42), bal)
}

func TestGatewayConnectionProtected(t *testing.T) {
	gw := newGateway(t)
	require.True(t, gw.clientNode.IsProtected(gw.client.peer, gatewayTag))
	require.Contains(t, gw.clientNode.Peers(), gw.client.peer)

	gw.client.Close()
	require.False(t, gw.clientNode.IsProtected(gw.client.peer, gatewayTag))
}

func TestClientSubmitRefused(t *testing.T) {
	gw := newGateway(t)

	_, err := gw.client.Submit(context.Background(), &types.Extrinsic{Kind: types.KindDeposit})
	require.ErrorIs(t, err, ErrRemote)
}

func TestClientCancelledRequest(t *testing.T) {
	gw := newGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := gw.client.Root(ctx)
	require.Error(t, err)
}

type echoBackend struct{}

func (echoBackend) Prove(ctx context.Context, inputs zkp.Inputs) ([]byte, []types.Hash, error) {
	return []byte("proof"), inputs.PublicSignals(), nil
}

// Deposit and withdraw through the gateway exercise Watch-before-Submit
// over streams
func TestPipelineOverGateway(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()

	signer, err := ledger.GenerateKeySigner()
	require.NoError(t, err)
	gw.ledger.Credit(signer.Account(), 500)

	store, err := notestore.Open(ctx, notestore.NewMemoryBlobStore(),
		notestore.Identity{Account: signer.Account(), Secret: []byte("k")}, []byte("salt"), notestore.DefaultConfig())
	require.NoError(t, err)

	cfg := pipeline.DefaultConfig()
	cfg.Depth = 8
	cfg.FinalityTimeout = 10 * time.Second
	runner := pipeline.NewRunner(pipeline.Deps{
		Ledger:   gw.client,
		Signer:   signer,
		Notes:    store,
		Resolver: merkle.NewResolver(gw.client, merkle.DefaultConfig()),
		Prover:   prover.NewOrchestrator(echoBackend{}, prover.DefaultConfig()),
	}, cfg)

	res, err := runner.Deposit(ctx, pipeline.Deposit{Amount: 100})
	require.NoError(t, err)
	require.Equal(t, pipeline.StateFinalized, res.State)

	bob := types.AddressFromPublicKey([]byte("bob"))
	res, err = runner.Withdraw(ctx, pipeline.Withdraw{Amount: 40, Recipient: bob.String()})
	require.NoError(t, err)
	require.Equal(t, pipeline.StateFinalized, res.State)
	require.Equal(t, uint64(60), res.Refund)

	bal, err := gw.client.Balance(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, uint64(40), bal)
}

func TestStatusGossip(t *testing.T) {
	if testing.Short() {
		t.Skip("gossip mesh formation is slow")
	}
	gw := newGateway(t)

	var mu sync.Mutex
	var got []ledger.StatusEvent
	remove := gw.client.OnStatus(func(ev ledger.StatusEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	defer remove()

	ev := ledger.StatusEvent{Kind: ledger.StatusDropped, TxHash: types.HashFromBytes([]byte{1}), Reason: "test"}
	require.Eventually(t, func() bool {
		gw.server.PublishStatus(ev)
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 15*time.Second, 200*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, ev.TxHash, got[0].TxHash)
	require.Equal(t, ledger.StatusDropped, got[0].Kind)
}
