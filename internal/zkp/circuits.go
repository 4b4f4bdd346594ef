package zkp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/consensys/gnark/std/hash"
	"github.com/consensys/gnark/std/hash/mimc"

	"github.com/ccoin/shielded/pkg/types"
)

// Circuit errors
var (
	ErrCircuitNotCompiled      = errors.New("circuit not compiled")
	ErrUnknownCircuit          = errors.New("unknown circuit")
	ErrProofGenerationFailed   = errors.New("proof generation failed")
	ErrProofVerificationFailed = errors.New("proof verification failed")
	ErrInvalidPublicInputs     = errors.New("invalid public inputs")
)

// DepositCircuit proves Commitment = H(Amount, Owner, Blinding)
type DepositCircuit struct {
	Commitment frontend.Variable `gnark:",public"`
	Amount     frontend.Variable `gnark:",public"`

	Owner    frontend.Variable
	Blinding frontend.Variable
}

// Define implements frontend.Circuit
func (c *DepositCircuit) Define(api frontend.API) error {
	hasher, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}

	api.ToBinary(c.Amount, AmountBits)
	api.AssertIsEqual(c.Commitment, hashVars(&hasher, c.Amount, c.Owner, c.Blinding))
	return nil
}

// SpendCircuit spends up to MaxInputs notes into up to MaxOutputs notes plus a
// public exit amount and a fee. Public field order is the public signal order.
type SpendCircuit struct {
	Root        frontend.Variable             `gnark:",public"`
	Nullifiers  [MaxInputs]frontend.Variable  `gnark:",public"`
	Commitments [MaxOutputs]frontend.Variable `gnark:",public"`
	ExitAmount  frontend.Variable             `gnark:",public"`
	Fee         frontend.Variable             `gnark:",public"`

	InUsed       [MaxInputs]frontend.Variable
	InAmount     [MaxInputs]frontend.Variable
	InBlinding   [MaxInputs]frontend.Variable
	InOwner      [MaxInputs]frontend.Variable
	InOwnerBound [MaxInputs]frontend.Variable
	InLeafIndex  [MaxInputs]frontend.Variable
	InPath       [MaxInputs][]frontend.Variable

	OutUsed     [MaxOutputs]frontend.Variable
	OutAmount   [MaxOutputs]frontend.Variable
	OutBlinding [MaxOutputs]frontend.Variable
}

// NewSpendCircuit allocates a spend circuit for a tree depth
func NewSpendCircuit(depth int) *SpendCircuit {
	c := &SpendCircuit{}
	for i := range c.InPath {
		c.InPath[i] = make([]frontend.Variable, depth)
	}
	return c
}

// Define implements frontend.Circuit
func (c *SpendCircuit) Define(api frontend.API) error {
	hasher, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}

	var totalIn frontend.Variable = 0
	for i := 0; i < MaxInputs; i++ {
		used := c.InUsed[i]
		api.AssertIsBoolean(used)
		api.AssertIsBoolean(c.InOwnerBound[i])
		api.ToBinary(c.InAmount[i], AmountBits)

		// an unused slot carries no value
		api.AssertIsEqual(api.Mul(api.Sub(1, used), c.InAmount[i]), 0)

		plain := hashVars(&hasher, c.InAmount[i], c.InBlinding[i])
		owned := hashVars(&hasher, c.InAmount[i], c.InOwner[i], c.InBlinding[i])
		commitment := api.Select(c.InOwnerBound[i], owned, plain)

		nullifier := hashVars(&hasher, c.InBlinding[i])
		api.AssertIsEqual(c.Nullifiers[i], api.Select(used, nullifier, 0))

		root := merkleRoot(api, &hasher, commitment, c.InLeafIndex[i], c.InPath[i])
		api.AssertIsEqual(api.Mul(used, api.Sub(root, c.Root)), 0)

		totalIn = api.Add(totalIn, c.InAmount[i])
	}

	var totalOut frontend.Variable = 0
	for j := 0; j < MaxOutputs; j++ {
		used := c.OutUsed[j]
		api.AssertIsBoolean(used)
		api.ToBinary(c.OutAmount[j], AmountBits)
		api.AssertIsEqual(api.Mul(api.Sub(1, used), c.OutAmount[j]), 0)

		commitment := hashVars(&hasher, c.OutAmount[j], c.OutBlinding[j])
		api.AssertIsEqual(c.Commitments[j], api.Select(used, commitment, 0))

		totalOut = api.Add(totalOut, c.OutAmount[j])
	}

	api.ToBinary(c.ExitAmount, AmountBits)
	api.ToBinary(c.Fee, AmountBits)
	api.AssertIsEqual(totalIn, api.Add(totalOut, c.ExitAmount, c.Fee))
	return nil
}

func hashVars(h hash.FieldHasher, vars ...frontend.Variable) frontend.Variable {
	h.Reset()
	h.Write(vars...)
	return h.Sum()
}

func merkleRoot(api frontend.API, h hash.FieldHasher, leaf, index frontend.Variable, path []frontend.Variable) frontend.Variable {
	bits := api.ToBinary(index, len(path))
	current := leaf
	for level, sibling := range path {
		left := api.Select(bits[level], sibling, current)
		right := api.Select(bits[level], current, sibling)
		current = hashVars(h, left, right)
	}
	return current
}

// DepositAssignment builds a full witness assignment
func DepositAssignment(d *DepositInputs) *DepositCircuit {
	return &DepositCircuit{
		Commitment: element(d.Commitment),
		Amount:     d.Amount,
		Owner:      element(d.Owner),
		Blinding:   element(d.Blinding),
	}
}

// SpendAssignment builds a full witness assignment for a circuit of the given depth
func SpendAssignment(s *SpendInputs, depth int) (*SpendCircuit, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if len(s.Notes[0].Siblings) != depth {
		return nil, fmt.Errorf("%w: got %d, circuit %d", ErrPathLength, len(s.Notes[0].Siblings), depth)
	}

	c := NewSpendCircuit(depth)
	signals := s.PublicSignals()
	assignPublic(c, signals)

	for i := 0; i < MaxInputs; i++ {
		if i >= len(s.Notes) {
			c.InUsed[i], c.InAmount[i], c.InBlinding[i] = 0, 0, 0
			c.InOwner[i], c.InOwnerBound[i], c.InLeafIndex[i] = 0, 0, 0
			for l := range c.InPath[i] {
				c.InPath[i][l] = 0
			}
			continue
		}
		n := s.Notes[i]
		c.InUsed[i] = 1
		c.InAmount[i] = n.Amount
		c.InBlinding[i] = element(n.Blinding)
		c.InOwner[i] = element(n.Owner)
		c.InOwnerBound[i] = boolVar(n.OwnerBound)
		c.InLeafIndex[i] = n.LeafIndex
		for l, sib := range n.Siblings {
			c.InPath[i][l] = element(sib)
		}
	}

	for j := 0; j < MaxOutputs; j++ {
		if j >= len(s.Outputs) {
			c.OutUsed[j], c.OutAmount[j], c.OutBlinding[j] = 0, 0, 0
			continue
		}
		c.OutUsed[j] = 1
		c.OutAmount[j] = s.Outputs[j].Amount
		c.OutBlinding[j] = element(s.Outputs[j].Blinding)
	}

	return c, nil
}

func assignPublic(c *SpendCircuit, signals []types.Hash) {
	c.Root = element(signals[0])
	for i := 0; i < MaxInputs; i++ {
		c.Nullifiers[i] = element(signals[1+i])
	}
	for j := 0; j < MaxOutputs; j++ {
		c.Commitments[j] = element(signals[1+MaxInputs+j])
	}
	c.ExitAmount = element(signals[1+MaxInputs+MaxOutputs])
	c.Fee = element(signals[2+MaxInputs+MaxOutputs])
}

func element(h types.Hash) *big.Int {
	return new(big.Int).SetBytes(h[:])
}

func boolVar(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SpendSignalCount is the number of public signals of the spend circuit
const SpendSignalCount = 3 + MaxInputs + MaxOutputs

// DepositSignalCount is the number of public signals of the deposit circuit
const DepositSignalCount = 2

type compiledCircuit struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
}

// CircuitManager compiles the circuits and runs Groth16 proving and verification
type CircuitManager struct {
	mu       sync.RWMutex
	depth    int
	circuits map[CircuitID]*compiledCircuit
}

// NewCircuitManager creates a circuit manager for a commitment tree depth
func NewCircuitManager(depth int) *CircuitManager {
	if depth <= 0 {
		depth = DefaultTreeDepth
	}
	return &CircuitManager{
		depth:    depth,
		circuits: make(map[CircuitID]*compiledCircuit),
	}
}

// Depth returns the tree depth the spend circuit is compiled for
func (cm *CircuitManager) Depth() int {
	return cm.depth
}

// Compile compiles a circuit and runs the Groth16 setup for it.
// The setup is a local trusted setup suitable for development networks.
func (cm *CircuitManager) Compile(id CircuitID) error {
	ccs, err := cm.build(id)
	if err != nil {
		return err
	}

	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return fmt.Errorf("setup %s: %w", id, err)
	}

	cm.mu.Lock()
	cm.circuits[id] = &compiledCircuit{ccs: ccs, pk: pk, vk: vk}
	cm.mu.Unlock()
	return nil
}

// build compiles a circuit to R1CS
func (cm *CircuitManager) build(id CircuitID) (constraint.ConstraintSystem, error) {
	var circuit frontend.Circuit
	switch id {
	case CircuitDeposit:
		circuit = &DepositCircuit{}
	case CircuitSpend:
		circuit = NewSpendCircuit(cm.depth)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCircuit, id)
	}

	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, circuit)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", id, err)
	}
	return ccs, nil
}

// CompileAll compiles the deposit and spend circuits
func (cm *CircuitManager) CompileAll() error {
	for _, id := range []CircuitID{CircuitDeposit, CircuitSpend} {
		if err := cm.Compile(id); err != nil {
			return err
		}
	}
	return nil
}

func (cm *CircuitManager) compiled(id CircuitID) (*compiledCircuit, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	c, exists := cm.circuits[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrCircuitNotCompiled, id)
	}
	return c, nil
}

// Prove generates a serialized Groth16 proof. The context is checked before the
// solver starts; gnark's prover itself cannot be interrupted.
func (cm *CircuitManager) Prove(ctx context.Context, inputs Inputs) ([]byte, error) {
	compiled, err := cm.compiled(inputs.Circuit())
	if err != nil {
		return nil, err
	}

	var assignment frontend.Circuit
	switch in := inputs.(type) {
	case *DepositInputs:
		if err := in.Validate(); err != nil {
			return nil, err
		}
		assignment = DepositAssignment(in)
	case *SpendInputs:
		assignment, err = SpendAssignment(in, cm.depth)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCircuit, inputs)
	}

	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("build witness: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	proof, err := groth16.Prove(compiled.ccs, compiled.pk, w)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProofGenerationFailed, err)
	}

	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serialize proof: %w", err)
	}
	return buf.Bytes(), nil
}

// Verify checks a serialized proof against its public signals
func (cm *CircuitManager) Verify(id CircuitID, proofData []byte, signals []types.Hash) error {
	compiled, err := cm.compiled(id)
	if err != nil {
		return err
	}

	var assignment frontend.Circuit
	switch id {
	case CircuitDeposit:
		if len(signals) != DepositSignalCount {
			return ErrInvalidPublicInputs
		}
		assignment = &DepositCircuit{Commitment: element(signals[0]), Amount: element(signals[1])}
	case CircuitSpend:
		if len(signals) != SpendSignalCount {
			return ErrInvalidPublicInputs
		}
		c := NewSpendCircuit(cm.depth)
		assignPublic(c, signals)
		assignment = c
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCircuit, id)
	}

	publicWitness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicInputs, err)
	}

	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofData)); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrProofVerificationFailed, err)
	}

	if err := groth16.Verify(proof, compiled.vk, publicWitness); err != nil {
		return fmt.Errorf("%w: %v", ErrProofVerificationFailed, err)
	}
	return nil
}

// ExportVerifyingKey writes the verifying key of a circuit
func (cm *CircuitManager) ExportVerifyingKey(id CircuitID, w io.Writer) error {
	compiled, err := cm.compiled(id)
	if err != nil {
		return err
	}
	_, err = compiled.vk.WriteTo(w)
	return err
}
