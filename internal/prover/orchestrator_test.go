package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shielded/internal/zkp"
	"github.com/ccoin/shielded/pkg/types"
)

func depositInputs(t *testing.T, amount uint64) *zkp.DepositInputs {
	t.Helper()
	blinding, err := zkp.NewBlinding()
	require.NoError(t, err)
	owner := zkp.OwnerScalar([]byte("alice"))
	cm, err := zkp.Commit(zkp.Opening{Amount: uint256.NewInt(amount), Blinding: blinding, Owner: owner, OwnerBound: true})
	require.NoError(t, err)
	return &zkp.DepositInputs{Amount: amount, Owner: owner, Blinding: blinding, Commitment: cm}
}

// funcBackend adapts a function to Backend
type funcBackend func(ctx context.Context, inputs zkp.Inputs) ([]byte, []types.Hash, error)

func (f funcBackend) Prove(ctx context.Context, inputs zkp.Inputs) ([]byte, []types.Hash, error) {
	return f(ctx, inputs)
}

func echoBackend() Backend {
	return funcBackend(func(ctx context.Context, inputs zkp.Inputs) ([]byte, []types.Hash, error) {
		return []byte("proof"), inputs.PublicSignals(), nil
	})
}

func blockingBackend(started chan<- struct{}) Backend {
	return funcBackend(func(ctx context.Context, inputs zkp.Inputs) ([]byte, []types.Hash, error) {
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return nil, nil, ctx.Err()
	})
}

func TestProveReturnsSignals(t *testing.T) {
	o := NewOrchestrator(echoBackend(), DefaultConfig())
	in := depositInputs(t, 100)

	p, err := o.Prove(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, zkp.CircuitDeposit, p.Circuit)
	require.Equal(t, in.PublicSignals(), p.PublicSignals)
	require.Equal(t, "deposit", p.Extrinsic().Circuit)
}

func TestProveRejectsInvalidInputs(t *testing.T) {
	o := NewOrchestrator(echoBackend(), DefaultConfig())
	in := depositInputs(t, 100)
	in.Amount = 101

	_, err := o.Prove(context.Background(), in)
	require.ErrorIs(t, err, ErrInvalidInputs)
	require.ErrorIs(t, err, zkp.ErrCommitmentMismatch)
}

func TestProveSignalMismatch(t *testing.T) {
	backend := funcBackend(func(ctx context.Context, inputs zkp.Inputs) ([]byte, []types.Hash, error) {
		signals := inputs.PublicSignals()
		signals[1] = zkp.Uint64Element(1)
		return []byte("proof"), signals, nil
	})
	o := NewOrchestrator(backend, DefaultConfig())

	_, err := o.Prove(context.Background(), depositInputs(t, 100))
	require.ErrorIs(t, err, ErrProofFailed)
	require.ErrorIs(t, err, zkp.ErrSignalMismatch)
}

func TestProveBackendError(t *testing.T) {
	backend := funcBackend(func(ctx context.Context, inputs zkp.Inputs) ([]byte, []types.Hash, error) {
		return nil, nil, errors.New("witness unsatisfied")
	})
	o := NewOrchestrator(backend, DefaultConfig())

	_, err := o.Prove(context.Background(), depositInputs(t, 100))
	require.ErrorIs(t, err, ErrProofFailed)
}

func TestProveTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProofTimeout = 20 * time.Millisecond
	o := NewOrchestrator(blockingBackend(nil), cfg)

	_, err := o.Prove(context.Background(), depositInputs(t, 100))
	require.ErrorIs(t, err, ErrProofTimeout)
}

func TestProveCancel(t *testing.T) {
	started := make(chan struct{}, 1)
	o := NewOrchestrator(blockingBackend(started), DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := o.Prove(ctx, depositInputs(t, 100))
	require.ErrorIs(t, err, ErrProofCancelled)
}

func TestOneJobInFlight(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	backend := funcBackend(func(ctx context.Context, inputs zkp.Inputs) ([]byte, []types.Hash, error) {
		started <- struct{}{}
		<-release
		return []byte("proof"), inputs.PublicSignals(), nil
	})
	o := NewOrchestrator(backend, DefaultConfig())

	in := depositInputs(t, 100)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := o.Prove(context.Background(), in)
			errs <- err
		}()
	}

	<-started
	select {
	case <-started:
		t.Fatal("second job started while the first was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
}

func TestCircuitBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}
	cm := zkp.NewCircuitManager(4)
	require.NoError(t, cm.Compile(zkp.CircuitDeposit))

	o := NewOrchestrator(&CircuitBackend{Manager: cm}, DefaultConfig())
	in := depositInputs(t, 100)
	p, err := o.Prove(context.Background(), in)
	require.NoError(t, err)
	require.NoError(t, cm.Verify(zkp.CircuitDeposit, p.Bytes, p.PublicSignals))
}

// execBackend runs this test binary as the external prover
func execBackend(mode string) *ExecBackend {
	return &ExecBackend{
		Path: os.Args[0],
		Args: []string{"-test.run=TestHelperProcess", "--"},
		Env:  append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_MODE="+mode),
	}
}

func TestExecBackend(t *testing.T) {
	in := depositInputs(t, 100)

	o := NewOrchestrator(execBackend("ok"), DefaultConfig())
	p, err := o.Prove(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, in.PublicSignals(), p.PublicSignals)

	_, err = NewOrchestrator(execBackend("wrong"), DefaultConfig()).Prove(context.Background(), in)
	require.ErrorIs(t, err, zkp.ErrSignalMismatch)

	_, err = NewOrchestrator(execBackend("fail"), DefaultConfig()).Prove(context.Background(), in)
	require.ErrorIs(t, err, ErrProofFailed)

	cfg := DefaultConfig()
	cfg.ProofTimeout = 200 * time.Millisecond
	_, err = NewOrchestrator(execBackend("hang"), cfg).Prove(context.Background(), in)
	require.ErrorIs(t, err, ErrProofTimeout)
}

func TestExecBackendCancelFreesSlot(t *testing.T) {
	o := NewOrchestrator(execBackend("hang"), DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := o.Prove(ctx, depositInputs(t, 100))
	require.ErrorIs(t, err, ErrProofCancelled)

	// the helper sleeps for a minute unless it was killed
	require.Eventually(t, func() bool {
		select {
		case o.slot <- struct{}{}:
			<-o.slot
			return true
		default:
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)
}

func TestUninterruptibleJobHoldsSlot(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	backend := funcBackend(func(ctx context.Context, inputs zkp.Inputs) ([]byte, []types.Hash, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return []byte("proof"), inputs.PublicSignals(), nil
	})
	o := NewOrchestrator(backend, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := o.Prove(ctx, depositInputs(t, 1))
	require.ErrorIs(t, err, ErrProofCancelled)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer waitCancel()
	_, err = o.Prove(waitCtx, depositInputs(t, 2))
	require.ErrorIs(t, err, ErrProofCancelled)
	require.Contains(t, err.Error(), "waiting for prover")

	close(release)
	p, err := o.Prove(context.Background(), depositInputs(t, 3))
	require.NoError(t, err)
	require.Equal(t, []byte("proof"), p.Bytes)
}

// TestHelperProcess is the fake external prover
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	data, _ := io.ReadAll(os.Stdin)
	inputs, err := DecodeExecRequest(data)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	resp := ExecResponse{Proof: []byte("proof"), PublicSignals: inputs.PublicSignals()}
	switch os.Getenv("HELPER_MODE") {
	case "wrong":
		resp.PublicSignals[0] = types.EmptyHash
	case "fail":
		resp = ExecResponse{Error: "constraint not satisfied"}
	case "hang":
		time.Sleep(time.Minute)
	}
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

func TestServeExec(t *testing.T) {
	in := depositInputs(t, 100)
	req, err := json.Marshal(ExecRequest{Circuit: in.Circuit(), Inputs: in})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, ServeExec(context.Background(), echoBackend(), bytes.NewReader(req), &out))
	var resp ExecResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.Empty(t, resp.Error)
	require.Equal(t, in.PublicSignals(), resp.PublicSignals)

	// Invalid inputs are reported in the response
	in.Amount++
	req, err = json.Marshal(ExecRequest{Circuit: in.Circuit(), Inputs: in})
	require.NoError(t, err)
	out.Reset()
	require.NoError(t, ServeExec(context.Background(), echoBackend(), bytes.NewReader(req), &out))
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.NotEmpty(t, resp.Error)

	_, err = DecodeExecRequest([]byte(`{"circuit":"mint","inputs":{}}`))
	require.ErrorIs(t, err, zkp.ErrUnknownCircuit)
}
