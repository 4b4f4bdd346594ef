package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/ccoin/shielded/internal/zkp"
	"github.com/ccoin/shielded/pkg/types"
)

// ExecRequest is written to the prover process on stdin
type ExecRequest struct {
	Circuit zkp.CircuitID `json:"circuit"`
	Inputs  zkp.Inputs    `json:"inputs"`
}

// ExecResponse is read from the prover process stdout
type ExecResponse struct {
	Proof         []byte       `json:"proof"`
	PublicSignals []types.Hash `json:"public_signals"`
	Error         string       `json:"error,omitempty"`
}

// ExecBackend runs an external prover binary per job. The process is killed
// when the job context ends.
type ExecBackend struct {
	Path string
	Args []string
	Env  []string
}

// Prove implements Backend
func (b *ExecBackend) Prove(ctx context.Context, inputs zkp.Inputs) ([]byte, []types.Hash, error) {
	req, err := json.Marshal(ExecRequest{Circuit: inputs.Circuit(), Inputs: inputs})
	if err != nil {
		return nil, nil, fmt.Errorf("encode request: %w", err)
	}

	cmd := exec.CommandContext(ctx, b.Path, b.Args...)
	if b.Env != nil {
		cmd.Env = b.Env
	}
	cmd.Stdin = bytes.NewReader(req)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, fmt.Errorf("prover exited: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp ExecResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, nil, fmt.Errorf("prover: %s", resp.Error)
	}
	if len(resp.Proof) == 0 {
		return nil, nil, fmt.Errorf("prover returned an empty proof")
	}
	return resp.Proof, resp.PublicSignals, nil
}

// DecodeExecRequest parses a request written by ExecBackend
func DecodeExecRequest(data []byte) (zkp.Inputs, error) {
	var req struct {
		Circuit zkp.CircuitID   `json:"circuit"`
		Inputs  json.RawMessage `json:"inputs"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInputs, err)
	}

	var inputs zkp.Inputs
	switch req.Circuit {
	case zkp.CircuitDeposit:
		inputs = &zkp.DepositInputs{}
	case zkp.CircuitSpend:
		inputs = &zkp.SpendInputs{}
	default:
		return nil, fmt.Errorf("%w: %q", zkp.ErrUnknownCircuit, req.Circuit)
	}
	if err := json.Unmarshal(req.Inputs, inputs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInputs, err)
	}
	return inputs, nil
}

// ServeExec runs one ExecBackend job: it reads a request from r, proves it
// with backend and writes the response to w. Proving failures are reported in
// the response; only I/O failures are returned.
func ServeExec(ctx context.Context, backend Backend, r io.Reader, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	var resp ExecResponse
	inputs, err := DecodeExecRequest(data)
	if err == nil {
		err = inputs.Validate()
	}
	if err == nil {
		resp.Proof, resp.PublicSignals, err = backend.Prove(ctx, inputs)
	}
	if err != nil {
		resp = ExecResponse{Error: err.Error()}
	}
	return json.NewEncoder(w).Encode(resp)
}
