package zkp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ccoin/shielded/pkg/types"
)

// Merkle tree errors
var (
	ErrTreeFull        = errors.New("merkle tree is full")
	ErrInvalidPath     = errors.New("invalid merkle path")
	ErrInvalidPosition = errors.New("invalid position")
	ErrCorruptTree     = errors.New("stored tree is inconsistent")
)

// DefaultTreeDepth is the depth of the commitment tree when none is configured
const DefaultTreeDepth = 20

// MaxTreeDepth bounds the depth a tree or circuit can be built for
const MaxTreeDepth = 32

// HashPair hashes two sibling nodes into their parent
func HashPair(left, right types.Hash) types.Hash {
	return HashElements(left, right)
}

// EmptyNodes returns the empty subtree root for every level 0..depth.
// Level 0 is the empty leaf (zero).
func EmptyNodes(depth int) []types.Hash {
	nodes := make([]types.Hash, depth+1)
	nodes[0] = types.EmptyHash
	for l := 1; l <= depth; l++ {
		nodes[l] = HashPair(nodes[l-1], nodes[l-1])
	}
	return nodes
}

// EmptyRoot returns the root of an empty tree of the given depth
func EmptyRoot(depth int) types.Hash {
	return EmptyNodes(depth)[depth]
}

// ComputeRoot folds a leaf with its siblings. Bit l of index selects whether
// the running node is the right child at level l.
func ComputeRoot(leaf types.Hash, index uint64, siblings []types.Hash) types.Hash {
	current := leaf
	for _, sibling := range siblings {
		if index&1 == 1 {
			current = HashPair(sibling, current)
		} else {
			current = HashPair(current, sibling)
		}
		index >>= 1
	}
	return current
}

// NodeWrite is one node update of an append
type NodeWrite struct {
	Level int
	Index uint64
	Hash  types.Hash
}

// TreeStore persists tree nodes. Unset nodes are the empty subtree roots.
type TreeStore interface {
	// Node returns a stored node; ok is false if it was never written
	Node(ctx context.Context, level int, index uint64) (h types.Hash, ok bool, err error)

	// Apply writes the nodes of one append together with the new leaf count
	Apply(ctx context.Context, writes []NodeWrite, size uint64) error

	// Size returns the stored leaf count
	Size(ctx context.Context) (uint64, error)
}

// CommitmentTree is an append-only Merkle tree of note commitments. Leaves
// fill left to right and never change once appended.
type CommitmentTree struct {
	mu sync.RWMutex

	depth int
	size  uint64
	root  types.Hash
	store TreeStore

	// empty[l] is the root of an empty subtree of height l
	empty []types.Hash
}

// NewCommitmentTree creates a tree over store. Call Initialize to pick up
// leaves already in the store.
func NewCommitmentTree(store TreeStore, depth int) *CommitmentTree {
	if depth <= 0 {
		depth = DefaultTreeDepth
	}
	empty := EmptyNodes(depth)
	return &CommitmentTree{
		depth: depth,
		root:  empty[depth],
		store: store,
		empty: empty,
	}
}

// Initialize loads the leaf count and root from the store
func (ct *CommitmentTree) Initialize(ctx context.Context) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	size, err := ct.store.Size(ctx)
	if err != nil {
		return err
	}
	if size > uint64(1)<<ct.depth {
		return fmt.Errorf("%w: %d leaves in a depth %d tree", ErrCorruptTree, size, ct.depth)
	}
	ct.size = size
	ct.root = ct.empty[ct.depth]
	if size == 0 {
		return nil
	}

	root, ok, err := ct.store.Node(ctx, ct.depth, 0)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d leaves but no root", ErrCorruptTree, size)
	}
	ct.root = root
	return nil
}

// Depth returns the tree depth
func (ct *CommitmentTree) Depth() int {
	return ct.depth
}

// Root returns the current root
func (ct *CommitmentTree) Root() types.Hash {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.root
}

// Size returns the number of appended leaves
func (ct *CommitmentTree) Size() uint64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.size
}

// Append adds a commitment at the next free leaf and returns its index
func (ct *CommitmentTree) Append(ctx context.Context, commitment types.Hash) (uint64, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.size >= uint64(1)<<ct.depth {
		return 0, ErrTreeFull
	}

	leaf := ct.size
	writes := make([]NodeWrite, 0, ct.depth+1)
	writes = append(writes, NodeWrite{Level: 0, Index: leaf, Hash: commitment})

	node, index := commitment, leaf
	for level := 0; level < ct.depth; level++ {
		sibling, err := ct.nodeLocked(ctx, level, index^1)
		if err != nil {
			return 0, err
		}
		if index&1 == 0 {
			node = HashPair(node, sibling)
		} else {
			node = HashPair(sibling, node)
		}
		index >>= 1
		writes = append(writes, NodeWrite{Level: level + 1, Index: index, Hash: node})
	}

	if err := ct.store.Apply(ctx, writes, leaf+1); err != nil {
		return 0, err
	}
	ct.root = node
	ct.size = leaf + 1
	return leaf, nil
}

// Node returns the node at (level, index), or the empty subtree root if unset
func (ct *CommitmentTree) Node(ctx context.Context, level int, index uint64) (types.Hash, error) {
	if level < 0 || level > ct.depth || index >= uint64(1)<<(ct.depth-level) {
		return types.EmptyHash, ErrInvalidPosition
	}

	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.nodeLocked(ctx, level, index)
}

func (ct *CommitmentTree) nodeLocked(ctx context.Context, level int, index uint64) (types.Hash, error) {
	h, ok, err := ct.store.Node(ctx, level, index)
	if err != nil {
		return types.EmptyHash, err
	}
	if !ok {
		return ct.empty[level], nil
	}
	return h, nil
}

// Path returns the siblings from the leaf at index up to the root
func (ct *CommitmentTree) Path(ctx context.Context, index uint64) ([]types.Hash, error) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	if index >= ct.size {
		return nil, ErrInvalidPosition
	}

	siblings := make([]types.Hash, ct.depth)
	for level := range siblings {
		h, err := ct.nodeLocked(ctx, level, index^1)
		if err != nil {
			return nil, err
		}
		siblings[level] = h
		index >>= 1
	}
	return siblings, nil
}

// VerifyPath reports whether leaf at index folds to root through siblings
func (ct *CommitmentTree) VerifyPath(leaf types.Hash, index uint64, siblings []types.Hash, root types.Hash) bool {
	return len(siblings) == ct.depth && ComputeRoot(leaf, index, siblings) == root
}

type nodeKey struct {
	level int
	index uint64
}

// MemoryTreeStore keeps tree nodes in a map
type MemoryTreeStore struct {
	mu    sync.RWMutex
	nodes map[nodeKey]types.Hash
	size  uint64
}

// NewMemoryTreeStore creates an empty store
func NewMemoryTreeStore() *MemoryTreeStore {
	return &MemoryTreeStore{nodes: make(map[nodeKey]types.Hash)}
}

// Node implements TreeStore
func (s *MemoryTreeStore) Node(ctx context.Context, level int, index uint64) (types.Hash, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.nodes[nodeKey{level, index}]
	return h, ok, nil
}

// Apply implements TreeStore
func (s *MemoryTreeStore) Apply(ctx context.Context, writes []NodeWrite, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range writes {
		s.nodes[nodeKey{w.Level, w.Index}] = w.Hash
	}
	s.size = size
	return nil
}

// Size implements TreeStore
func (s *MemoryTreeStore) Size(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size, nil
}
