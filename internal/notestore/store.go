package notestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/ccoin/shielded/internal/zkp"
	"github.com/ccoin/shielded/pkg/types"
)

// Store errors
var (
	ErrDecryptionMismatch = errors.New("note store was sealed by a different wallet")
	ErrCorruptStore       = errors.New("note store is corrupt")
	ErrInvalidImport      = errors.New("invalid note import")
	ErrReadOnly           = errors.New("note store is read-only")
	ErrNoteNotFound       = errors.New("note not found")
	ErrNoteReserved       = errors.New("note reserved by another operation")
	ErrNoteNotSpendable   = errors.New("note is not spendable")
	ErrNoteInUse          = errors.New("note is in use")
)

// Identity selects and unlocks one account's note blob
type Identity struct {
	Account types.Address
	Secret  []byte
}

// Config holds note store settings
type Config struct {
	// PendingTimeout is how long a PendingSpend note waits before reconciliation
	PendingTimeout time.Duration

	Logger zerolog.Logger
	Now    func() time.Time
}

// DefaultConfig returns the default note store configuration
func DefaultConfig() Config {
	return Config{
		PendingTimeout: 10 * time.Minute,
		Logger:         zerolog.Nop(),
		Now:            time.Now,
	}
}

// Store holds one account's notes
type Store struct {
	mu sync.Mutex

	backend  BlobStore
	blobKey  string
	key      *storeKey
	version  Version
	readOnly bool

	notes    map[NoteID]*Note
	reserved map[NoteID]string

	cfg Config
	log zerolog.Logger
}

// BlobKey returns the backend key of an account's note blob
func BlobKey(account types.Address) string {
	return "notes/" + account.String()
}

// Open loads and decrypts the account's note blob. When the blob was sealed
// under a different key the returned store is empty and read-only, and the
// error is ErrDecryptionMismatch.
func Open(ctx context.Context, backend BlobStore, id Identity, salt []byte, cfg Config) (*Store, error) {
	if len(id.Secret) == 0 {
		return nil, errors.New("empty note store secret")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	key, err := deriveKey(id.Secret, salt)
	if err != nil {
		return nil, err
	}

	s := &Store{
		backend:  backend,
		blobKey:  BlobKey(id.Account),
		key:      key,
		notes:    make(map[NoteID]*Note),
		reserved: make(map[NoteID]string),
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "notestore").Str("account", id.Account.String()).Logger(),
	}

	err = s.load(ctx)
	if errors.Is(err, ErrDecryptionMismatch) {
		s.readOnly = true
		s.log.Warn().Msg("note blob belongs to another wallet, opened read-only")
		return s, ErrDecryptionMismatch
	}
	if err != nil {
		return nil, err
	}
	s.log.Info().Int("notes", len(s.notes)).Msg("note store opened")
	return s, nil
}

// load replaces the in-memory notes with the stored blob. The caller holds
// s.mu or owns s exclusively.
func (s *Store) load(ctx context.Context) error {
	blob, version, err := s.backend.Load(ctx, s.blobKey)
	if errors.Is(err, ErrBlobNotFound) {
		s.notes = make(map[NoteID]*Note)
		s.version = NoVersion
		return nil
	}
	if err != nil {
		return fmt.Errorf("load notes: %w", err)
	}

	plaintext, err := s.key.open(blob)
	if err != nil {
		return err
	}
	notes, err := decodeNotes(plaintext)
	if err != nil {
		return err
	}
	if err := checkUnique(notes); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	s.notes = notes
	s.version = version
	return nil
}

// Refresh reloads the notes written by other stores on the same backend
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly {
		return ErrReadOnly
	}
	return s.load(ctx)
}

// ReadOnly reports whether mutations are refused
func (s *Store) ReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnly
}

func checkUnique(notes map[NoteID]*Note) error {
	seen := make(map[types.Hash]NoteID, len(notes))
	for id, n := range notes {
		if other, ok := seen[n.Nullifier]; ok && other != id {
			return fmt.Errorf("%w: nullifier %s", zkp.ErrBlindingReuse, n.Nullifier.Short())
		}
		seen[n.Nullifier] = id
	}
	return nil
}

func cloneNotes(notes map[NoteID]*Note) map[NoteID]*Note {
	out := make(map[NoteID]*Note, len(notes))
	for id, n := range notes {
		out[id] = n.Clone()
	}
	return out
}

// maxCommitAttempts bounds reload-and-retry rounds against concurrent writers
const maxCommitAttempts = 8

// commit applies fn to a copy of the note set, persists the copy and swaps it
// in. When another store wrote the blob in between, the notes are reloaded
// and fn is applied again to the fresh set. The caller holds s.mu.
func (s *Store) commit(ctx context.Context, fn func(next map[NoteID]*Note) error) error {
	if s.readOnly {
		return ErrReadOnly
	}

	for attempt := 1; ; attempt++ {
		next := cloneNotes(s.notes)
		if err := fn(next); err != nil {
			return err
		}

		plaintext, err := encodeNotes(next)
		if err != nil {
			return fmt.Errorf("encode notes: %w", err)
		}
		blob, err := s.key.seal(plaintext)
		if err != nil {
			return fmt.Errorf("seal notes: %w", err)
		}

		version, err := s.backend.Save(ctx, s.blobKey, blob, s.version)
		if err == nil {
			s.notes = next
			s.version = version
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt == maxCommitAttempts {
			return fmt.Errorf("persist notes: %w", err)
		}

		s.log.Debug().Int("attempt", attempt).Msg("note blob changed by another writer, reloading")
		if err := s.load(ctx); err != nil {
			return fmt.Errorf("reload notes: %w", err)
		}
	}
}

func addNote(notes map[NoteID]*Note, n *Note) error {
	if err := n.Verify(); err != nil {
		return err
	}
	if _, ok := notes[n.ID()]; ok {
		return fmt.Errorf("%w: commitment %s", zkp.ErrBlindingReuse, n.Commitment.Short())
	}
	for _, existing := range notes {
		if existing.Nullifier == n.Nullifier {
			return fmt.Errorf("%w: nullifier %s", zkp.ErrBlindingReuse, n.Nullifier.Short())
		}
	}
	notes[n.ID()] = n.Clone()
	return nil
}

// Add verifies and persists a new note
func (s *Store) Add(ctx context.Context, n *Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.commit(ctx, func(next map[NoteID]*Note) error {
		return addNote(next, n)
	}); err != nil {
		return err
	}
	s.log.Debug().Str("note", n.Commitment.Short()).Stringer("status", n.Status).Msg("note added")
	return nil
}

// Reserve leases notes to an operation. Either every note is reserved or none.
func (s *Store) Reserve(op string, ids []NoteID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly {
		return ErrReadOnly
	}
	for _, id := range ids {
		n, ok := s.notes[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoteNotFound, id.Short())
		}
		if holder, ok := s.reserved[id]; ok && holder != op {
			return fmt.Errorf("%w: %s", ErrNoteReserved, id.Short())
		}
		if !n.Spendable() {
			return fmt.Errorf("%w: %s is %s", ErrNoteNotSpendable, id.Short(), n.Status)
		}
	}
	for _, id := range ids {
		s.reserved[id] = op
	}
	return nil
}

// Release drops every reservation held by an operation
func (s *Store) Release(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, holder := range s.reserved {
		if holder == op {
			delete(s.reserved, id)
		}
	}
}

// Reserved returns the operation holding a note, if any
func (s *Store) Reserved(id NoteID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.reserved[id]
	return op, ok
}

// MarkPendingSpend persists reserved notes as inputs of a broadcast extrinsic
func (s *Store) MarkPendingSpend(ctx context.Context, op string, ids []NoteID, tx types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if s.reserved[id] != op {
			return fmt.Errorf("%w: %s not reserved by %s", ErrNoteReserved, id.Short(), op)
		}
	}

	now := s.cfg.Now().UTC()
	return s.commit(ctx, func(next map[NoteID]*Note) error {
		for _, id := range ids {
			n, ok := next[id]
			if !ok {
				return fmt.Errorf("%w: %s", ErrNoteNotFound, id.Short())
			}
			if err := n.transition(StatusPendingSpend); err != nil {
				return err
			}
			n.PendingSince = now
			n.PendingTx = tx
		}
		return nil
	})
}

// RevertPendingSpend returns PendingSpend notes to Unspent
func (s *Store) RevertPendingSpend(ctx context.Context, ids ...NoteID) error {
	return s.transitionAll(ctx, StatusUnspent, ids)
}

// MarkSpent finalizes PendingSpend notes
func (s *Store) MarkSpent(ctx context.Context, ids ...NoteID) error {
	return s.transitionAll(ctx, StatusSpent, ids)
}

func (s *Store) transitionAll(ctx context.Context, to Status, ids []NoteID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commit(ctx, func(next map[NoteID]*Note) error {
		for _, id := range ids {
			n, ok := next[id]
			if !ok {
				return fmt.Errorf("%w: %s", ErrNoteNotFound, id.Short())
			}
			if err := n.transition(to); err != nil {
				return err
			}
		}
		return nil
	})
}

func confirmLeaf(notes map[NoteID]*Note, id NoteID, leaf uint64) error {
	n, ok := notes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoteNotFound, id.Short())
	}
	if n.HasLeaf {
		return fmt.Errorf("%w: %s", ErrLeafAlreadySet, id.Short())
	}
	if err := n.transition(StatusUnspent); err != nil {
		return err
	}
	n.LeafIndex = leaf
	n.HasLeaf = true
	return nil
}

// ConfirmLeaf records the ledger leaf index of an Unconfirmed note
func (s *Store) ConfirmLeaf(ctx context.Context, id NoteID, leaf uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commit(ctx, func(next map[NoteID]*Note) error {
		return confirmLeaf(next, id, leaf)
	})
}

// Finalization is the local effect of one finalized extrinsic
type Finalization struct {
	// Spent are PendingSpend inputs
	Spent []NoteID

	// Confirmed maps Unconfirmed notes to their leaf index
	Confirmed map[NoteID]uint64

	// Outputs are new Unspent notes with leaf indices
	Outputs []*Note
}

// ApplyFinalized applies a finalized extrinsic in a single write
func (s *Store) ApplyFinalized(ctx context.Context, f Finalization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.commit(ctx, func(next map[NoteID]*Note) error {
		for _, id := range f.Spent {
			n, ok := next[id]
			if !ok {
				return fmt.Errorf("%w: %s", ErrNoteNotFound, id.Short())
			}
			if err := n.transition(StatusSpent); err != nil {
				return err
			}
		}
		for id, leaf := range f.Confirmed {
			if err := confirmLeaf(next, id, leaf); err != nil {
				return err
			}
		}
		for _, out := range f.Outputs {
			if out.Status != StatusUnspent {
				return fmt.Errorf("%w: output is %s", ErrInvalidStatus, out.Status)
			}
			if err := addNote(next, out); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range f.Spent {
		delete(s.reserved, id)
	}
	s.log.Info().
		Int("spent", len(f.Spent)).
		Int("confirmed", len(f.Confirmed)).
		Int("outputs", len(f.Outputs)).
		Msg("finalized extrinsic applied")
	return nil
}

// Remove deletes an Unconfirmed or Spent note
func (s *Store) Remove(ctx context.Context, id NoteID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reserved[id]; ok {
		return fmt.Errorf("%w: %s", ErrNoteInUse, id.Short())
	}
	return s.commit(ctx, func(next map[NoteID]*Note) error {
		n, ok := next[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoteNotFound, id.Short())
		}
		if n.Status != StatusUnconfirmed && n.Status != StatusSpent {
			return fmt.Errorf("%w: %s is %s", ErrNoteInUse, id.Short(), n.Status)
		}
		delete(next, id)
		return nil
	})
}

// Get returns a copy of a note
func (s *Store) Get(id NoteID) (*Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoteNotFound, id.Short())
	}
	return n.Clone(), nil
}

// List returns copies of the notes in the given statuses, or all notes when
// none are given, oldest first
func (s *Store) List(statuses ...Status) []*Note {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*Note
	for _, n := range sortedNotes(s.notes) {
		if len(want) == 0 || want[n.Status] {
			out = append(out, n.Clone())
		}
	}
	return out
}

// Spendable returns Unspent notes that are not reserved
func (s *Store) Spendable() []*Note {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Note
	for _, n := range sortedNotes(s.notes) {
		if _, held := s.reserved[n.ID()]; !held && n.Spendable() {
			out = append(out, n.Clone())
		}
	}
	return out
}

// Balance sums the Unspent notes
func (s *Store) Balance() *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := new(uint256.Int)
	for _, n := range s.notes {
		if n.Status == StatusUnspent {
			total.Add(total, n.Amount)
		}
	}
	return total
}

// Export returns every note as a JSON array
func (s *Store) Export() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return marshalExport(sortedNotes(s.notes))
}

// Import verifies every exported note and merges the new ones. Notes already
// present are kept unchanged. A single invalid note aborts the whole import.
func (s *Store) Import(ctx context.Context, data []byte) (int, error) {
	incoming, err := unmarshalExport(data)
	if err != nil {
		return 0, err
	}
	for i, n := range incoming {
		if err := n.Verify(); err != nil {
			return 0, fmt.Errorf("%w: note %d: %w", ErrInvalidImport, i, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	err = s.commit(ctx, func(next map[NoteID]*Note) error {
		added = 0
		for _, n := range incoming {
			if _, ok := next[n.ID()]; ok {
				continue
			}
			if err := addNote(next, n); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidImport, err)
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Info().Int("imported", added).Int("total", len(incoming)).Msg("notes imported")
	return added, nil
}
