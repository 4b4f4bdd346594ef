// Package merkle fetches commitment tree inclusion paths from the ledger.
package merkle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ccoin/shielded/internal/ledger"
	"github.com/ccoin/shielded/internal/zkp"
	"github.com/ccoin/shielded/pkg/types"
)

// Resolver errors
var (
	ErrPathUnavailable = errors.New("merkle path unavailable")
	ErrStaleRoot       = errors.New("tree root changed during path resolution")
	ErrDepthMismatch   = errors.New("ledger tree depth does not match configuration")
	ErrLeafOutOfRange  = errors.New("leaf index out of range for tree depth")
)

// MaxConcurrentLookups bounds parallel path resolutions
const MaxConcurrentLookups = zkp.MaxInputs

// Path is an inclusion proof for one leaf against one root
type Path struct {
	LeafIndex uint64
	Siblings  []types.Hash
	Root      types.Hash
}

// Verify checks that leaf at LeafIndex hashes up to Root
func (p *Path) Verify(leaf types.Hash) bool {
	return zkp.ComputeRoot(leaf, p.LeafIndex, p.Siblings) == p.Root
}

// Config holds resolver settings
type Config struct {
	// PathTimeout bounds one ResolvePath call
	PathTimeout time.Duration

	Logger zerolog.Logger
}

// DefaultConfig returns the default resolver configuration
func DefaultConfig() Config {
	return Config{
		PathTimeout: 15 * time.Second,
		Logger:      zerolog.Nop(),
	}
}

// Resolver reads sibling nodes from a ledger
type Resolver struct {
	ledger ledger.Querier
	cfg    Config
	log    zerolog.Logger
}

// NewResolver creates a resolver
func NewResolver(q ledger.Querier, cfg Config) *Resolver {
	return &Resolver{
		ledger: q,
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "merkle").Logger(),
	}
}

// CheckDepth queries the ledger tree depth and compares it with expected
func (r *Resolver) CheckDepth(ctx context.Context, expected int) error {
	depth, err := r.ledger.TreeDepth(ctx)
	if err != nil {
		return fmt.Errorf("%w: tree depth: %v", ErrPathUnavailable, err)
	}
	if depth != expected {
		return fmt.Errorf("%w: ledger %d, configured %d", ErrDepthMismatch, depth, expected)
	}
	return nil
}

// ResolvePath fetches the sibling path of a leaf. The root is read before
// and after the walk; a change in between fails with ErrStaleRoot.
func (r *Resolver) ResolvePath(ctx context.Context, leafIndex uint64, depth int) (*Path, error) {
	if depth <= 0 || depth > zkp.MaxTreeDepth || (depth < 64 && leafIndex >= uint64(1)<<depth) {
		return nil, fmt.Errorf("%w: leaf %d depth %d", ErrLeafOutOfRange, leafIndex, depth)
	}

	if r.cfg.PathTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.PathTimeout)
		defer cancel()
	}

	root, err := r.ledger.Root(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: root: %v", ErrPathUnavailable, err)
	}

	siblings := make([]types.Hash, depth)
	index := leafIndex
	for level := 0; level < depth; level++ {
		sib, err := r.ledger.Sibling(ctx, level, index^1)
		if err != nil {
			return nil, fmt.Errorf("%w: level %d index %d: %v", ErrPathUnavailable, level, index^1, err)
		}
		siblings[level] = sib
		index >>= 1
	}

	after, err := r.ledger.Root(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: root: %v", ErrPathUnavailable, err)
	}
	if after != root {
		return nil, fmt.Errorf("%w: %s -> %s", ErrStaleRoot, root.Short(), after.Short())
	}

	r.log.Debug().Uint64("leaf", leafIndex).Str("root", root.Short()).Msg("path resolved")
	return &Path{LeafIndex: leafIndex, Siblings: siblings, Root: root}, nil
}

// ResolveAll resolves several paths concurrently. Every path must share one
// root.
func (r *Resolver) ResolveAll(ctx context.Context, indices []uint64, depth int) ([]*Path, error) {
	if len(indices) == 0 {
		return nil, nil
	}

	paths := make([]*Path, len(indices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentLookups)
	for i, idx := range indices {
		i, idx := i, idx
		g.Go(func() error {
			p, err := r.ResolvePath(gctx, idx, depth)
			if err != nil {
				return err
			}
			paths[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, p := range paths[1:] {
		if p.Root != paths[0].Root {
			return nil, fmt.Errorf("%w: paths resolved against different roots", ErrStaleRoot)
		}
	}
	return paths, nil
}
