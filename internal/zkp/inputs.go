package zkp

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/ccoin/shielded/pkg/types"
)

// CircuitID names a proving circuit
type CircuitID string

const (
	// CircuitDeposit proves a commitment opens to a public amount
	CircuitDeposit CircuitID = "deposit"

	// CircuitSpend proves ownership of 1..MaxInputs notes and value conservation
	CircuitSpend CircuitID = "spend"
)

// Slot counts of the spend circuit
const (
	MaxInputs  = 2
	MaxOutputs = 2
)

// Input errors
var (
	ErrInputCount   = errors.New("invalid number of spend inputs")
	ErrOutputCount  = errors.New("invalid number of spend outputs")
	ErrConservation = errors.New("inputs do not equal outputs plus exit plus fee")
	ErrPathLength   = errors.New("merkle path length does not match depth")
)

// Inputs are the private and public values of one proof
type Inputs interface {
	Circuit() CircuitID
	PublicSignals() []types.Hash
	Validate() error
}

// DepositInputs bind a new owner-bound note to a public amount
type DepositInputs struct {
	Amount     uint64     `json:"amount"`
	Owner      types.Hash `json:"owner"`
	Blinding   types.Hash `json:"blinding"`
	Commitment types.Hash `json:"commitment"`
}

// Circuit implements Inputs
func (d *DepositInputs) Circuit() CircuitID { return CircuitDeposit }

// PublicSignals returns [commitment, amount]
func (d *DepositInputs) PublicSignals() []types.Hash {
	return []types.Hash{d.Commitment, Uint64Element(d.Amount)}
}

// Validate checks the commitment opens to the amount
func (d *DepositInputs) Validate() error {
	cm, err := Commit(Opening{
		Amount:     uint256.NewInt(d.Amount),
		Blinding:   d.Blinding,
		Owner:      d.Owner,
		OwnerBound: true,
	})
	if err != nil {
		return err
	}
	if cm != d.Commitment {
		return ErrCommitmentMismatch
	}
	return nil
}

// SpendNote is a note consumed by the spend circuit
type SpendNote struct {
	Amount     uint64       `json:"amount"`
	Blinding   types.Hash   `json:"blinding"`
	Owner      types.Hash   `json:"owner"`
	OwnerBound bool         `json:"owner_bound"`
	LeafIndex  uint64       `json:"leaf_index"`
	Siblings   []types.Hash `json:"siblings"`
}

// Commitment recomputes the note commitment
func (n *SpendNote) Commitment() (types.Hash, error) {
	return Commit(Opening{
		Amount:     uint256.NewInt(n.Amount),
		Blinding:   n.Blinding,
		Owner:      n.Owner,
		OwnerBound: n.OwnerBound,
	})
}

// SpendOutput is a note created by the spend circuit
type SpendOutput struct {
	Amount   uint64     `json:"amount"`
	Blinding types.Hash `json:"blinding"`
}

// Commitment computes the output commitment
func (o *SpendOutput) Commitment() (types.Hash, error) {
	return Commit(Opening{Amount: uint256.NewInt(o.Amount), Blinding: o.Blinding})
}

// SpendInputs are the inputs of a withdraw or transfer proof
type SpendInputs struct {
	Root       types.Hash    `json:"root"`
	Notes      []SpendNote   `json:"notes"`
	Outputs    []SpendOutput `json:"outputs"`
	ExitAmount uint64        `json:"exit_amount"`
	Fee        uint64        `json:"fee"`
}

// Circuit implements Inputs
func (s *SpendInputs) Circuit() CircuitID { return CircuitSpend }

// Nullifiers returns the nullifiers of the spent notes
func (s *SpendInputs) Nullifiers() []types.Hash {
	out := make([]types.Hash, len(s.Notes))
	for i := range s.Notes {
		out[i] = Nullifier(s.Notes[i].Blinding)
	}
	return out
}

// Commitments returns the commitments of the created notes
func (s *SpendInputs) Commitments() ([]types.Hash, error) {
	out := make([]types.Hash, len(s.Outputs))
	for i := range s.Outputs {
		cm, err := s.Outputs[i].Commitment()
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		out[i] = cm
	}
	return out, nil
}

// PublicSignals returns [root, nf0, nf1, out0, out1, exit, fee].
// Unused slots are zero.
func (s *SpendInputs) PublicSignals() []types.Hash {
	signals := make([]types.Hash, 0, 3+MaxInputs+MaxOutputs)
	signals = append(signals, s.Root)

	nfs := s.Nullifiers()
	for i := 0; i < MaxInputs; i++ {
		if i < len(nfs) {
			signals = append(signals, nfs[i])
		} else {
			signals = append(signals, types.EmptyHash)
		}
	}

	cms, _ := s.Commitments()
	for i := 0; i < MaxOutputs; i++ {
		if i < len(cms) {
			signals = append(signals, cms[i])
		} else {
			signals = append(signals, types.EmptyHash)
		}
	}

	signals = append(signals, Uint64Element(s.ExitAmount), Uint64Element(s.Fee))
	return signals
}

// Validate checks slot counts, paths against the root and value conservation
func (s *SpendInputs) Validate() error {
	if len(s.Notes) == 0 || len(s.Notes) > MaxInputs {
		return fmt.Errorf("%w: %d", ErrInputCount, len(s.Notes))
	}
	if len(s.Outputs) > MaxOutputs {
		return fmt.Errorf("%w: %d", ErrOutputCount, len(s.Outputs))
	}

	depth := len(s.Notes[0].Siblings)
	in := new(uint256.Int)
	for i := range s.Notes {
		n := &s.Notes[i]
		if len(n.Siblings) != depth {
			return fmt.Errorf("note %d: %w", i, ErrPathLength)
		}
		cm, err := n.Commitment()
		if err != nil {
			return fmt.Errorf("note %d: %w", i, err)
		}
		if ComputeRoot(cm, n.LeafIndex, n.Siblings) != s.Root {
			return fmt.Errorf("note %d: %w", i, ErrInvalidPath)
		}
		in.Add(in, uint256.NewInt(n.Amount))
	}

	out := new(uint256.Int)
	for i := range s.Outputs {
		if _, err := s.Outputs[i].Commitment(); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
		out.Add(out, uint256.NewInt(s.Outputs[i].Amount))
	}
	out.Add(out, uint256.NewInt(s.ExitAmount))
	out.Add(out, uint256.NewInt(s.Fee))

	if !in.Eq(out) {
		return fmt.Errorf("%w: in %s, out %s", ErrConservation, in.Dec(), out.Dec())
	}
	return nil
}
