// Package history stores every classified message as a slot: a random
// numeric id that names both a row in the history database and a file in
// a sharded message directory. It also owns the commit queue that attaches
// classification results to slots, the retention sweep that expires old
// slots and the query engine used to browse committed history.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hhoffstaette/popfile/internal/logging"
)

// MaxReserveAttempts bounds how many random ids ReserveSlot tries.
const MaxReserveAttempts = 16

// Pseudo-bucket names that never get an archive directory.
const (
	BucketUnclassified = "unclassified"
	BucketUnknown      = "unknown class"
)

// BucketResolver resolves a bucket name to the classifier's stable id.
// classifier.Session satisfies it.
type BucketResolver interface {
	BucketID(ctx context.Context, name string) (int64, error)
}

// Slot is one row of history.
type Slot struct {
	ID        uint32
	UserID    int64
	Committed bool

	From    string
	To      string
	Cc      string
	Subject string
	Date    string

	Hash        string
	InsertedAt  time.Time
	MessageDate time.Time

	BucketID int64
	Bucket   string
	// ReclassifiedFrom is only set by legacy imports.
	ReclassifiedFrom int64
	Magnet           string
	Size             int64
}

// ArchiveOptions controls copying expired slots into a per-bucket tree.
type ArchiveOptions struct {
	Enabled bool
	Path    string
	Classes int
}

// Invalidator is notified after every store mutation.
type Invalidator interface {
	Invalidate()
}

// Option configures a Store.
type Option func(*Store)

// WithArchive enables archiving on DeleteSlot.
func WithArchive(a ArchiveOptions) Option { return func(s *Store) { s.archive = a } }

// WithClock replaces time.Now as the source of insertedAt stamps.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithIDSource replaces the random slot id generator.
func WithIDSource(next func() uint32) Option { return func(s *Store) { s.nextID = next } }

// Store is the slot store. It is safe for concurrent use.
type Store struct {
	db      *sql.DB
	msgdir  string
	buckets BucketResolver
	archive ArchiveOptions
	now     func() time.Time
	nextID  func() uint32
	classN  func(n int) int

	mu        sync.Mutex
	queue     []CommitEntry
	observers []Invalidator
}

// NewStore creates a Store over an open database. Message files live
// under msgdir.
func NewStore(db *sql.DB, msgdir string, buckets BucketResolver, opts ...Option) *Store {
	s := &Store{
		db:      db,
		msgdir:  msgdir,
		buckets: buckets,
		now:     time.Now,
		nextID:  randomID,
		classN:  rand.IntN,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// randomID returns a uniformly random id in [2, 2^32-1].
func randomID() uint32 {
	return 2 + rand.Uint32N(math.MaxUint32-1)
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// MsgDir returns the root of the message file tree.
func (s *Store) MsgDir() string {
	return s.msgdir
}

// Observe registers inv to be invalidated after every mutation.
func (s *Store) Observe(inv Invalidator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, inv)
}

func (s *Store) invalidate() {
	s.mu.Lock()
	observers := append([]Invalidator(nil), s.observers...)
	s.mu.Unlock()

	for _, o := range observers {
		o.Invalidate()
	}
}

// slotPath renders id as eight hex digits and shards it three levels deep:
// msgdir/aa/bb/cc/popfiledd.msg.
func slotPath(msgdir string, id uint32) string {
	hex := fmt.Sprintf("%08x", id)
	return filepath.Join(msgdir, hex[0:2], hex[2:4], hex[4:6], "popfile"+hex[6:8]+".msg")
}

// GetSlotFile returns the file path for id, creating its parent
// directories.
func (s *Store) GetSlotFile(id uint32) (string, error) {
	path := slotPath(s.msgdir, id)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating slot directory: %w", err)
	}
	return path, nil
}

// ReserveSlot inserts a new uncommitted row under a fresh random id and
// returns the id and its file path. Id collisions are retried up to
// MaxReserveAttempts times.
func (s *Store) ReserveSlot(ctx context.Context) (uint32, string, error) {
	logger := logging.FromContext(ctx)

	for attempt := 1; attempt <= MaxReserveAttempts; attempt++ {
		id := s.nextID()
		if id < 2 {
			logger.Warn("slot id out of range, retrying", "id", id, "attempt", attempt)
			continue
		}

		_, err := s.db.ExecContext(ctx,
			`INSERT INTO history (id, userid, committed) VALUES (?, 1, 0)`, int64(id))
		if err != nil {
			if isUniqueConstraintError(err) {
				logger.Warn("slot id collision, retrying", "id", id, "attempt", attempt)
				continue
			}
			return 0, "", fmt.Errorf("reserving slot: %w", err)
		}

		path, err := s.GetSlotFile(id)
		if err != nil {
			s.removeRow(ctx, s.db, id)
			return 0, "", err
		}
		return id, path, nil
	}

	return 0, "", ErrSlotsExhausted
}

// ReleaseSlot deletes the row and file for id. Releasing an unknown id is
// not an error.
func (s *Store) ReleaseSlot(ctx context.Context, id uint32) error {
	if err := s.removeRow(ctx, s.db, id); err != nil {
		return err
	}
	s.removeFile(ctx, id)
	s.invalidate()
	return nil
}

func (s *Store) removeRow(ctx context.Context, ex execer, id uint32) error {
	if _, err := ex.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, int64(id)); err != nil {
		return fmt.Errorf("deleting slot %d: %w", id, err)
	}
	return nil
}

func (s *Store) removeFile(ctx context.Context, id uint32) {
	path := slotPath(s.msgdir, id)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.FromContext(ctx).Warn("failed to remove slot file", "id", id, "path", path, "error", err)
	}
}

const slotColumns = `h.id, h.userid, h.committed, h.hdr_from, h.hdr_to, h.hdr_cc,
	h.hdr_subject, h.hdr_date, h.hash, h.inserted, h.date, h.bucketid,
	COALESCE(b.name, ''), h.usedtobe, h.magnet, h.size`

const slotFrom = `history h LEFT JOIN buckets b ON b.id = h.bucketid`

type scanner interface {
	Scan(dest ...any) error
}

func scanSlot(sc scanner) (Slot, error) {
	var (
		slot      Slot
		id        int64
		committed int
		inserted  int64
		date      int64
		bucketID  sql.NullInt64
		usedToBe  sql.NullInt64
	)
	err := sc.Scan(&id, &slot.UserID, &committed, &slot.From, &slot.To, &slot.Cc,
		&slot.Subject, &slot.Date, &slot.Hash, &inserted, &date, &bucketID,
		&slot.Bucket, &usedToBe, &slot.Magnet, &slot.Size)
	if err != nil {
		return Slot{}, err
	}

	slot.ID = uint32(id)
	slot.Committed = committed != 0
	if slot.Committed {
		slot.InsertedAt = time.Unix(inserted, 0)
		slot.MessageDate = time.Unix(date, 0)
		if !bucketID.Valid {
			slot.Bucket = BucketUnknown
		}
	}
	slot.BucketID = bucketID.Int64
	slot.ReclassifiedFrom = usedToBe.Int64
	return slot, nil
}

// GetSlotFields returns the row for id. ok is false when no such row
// exists.
func (s *Store) GetSlotFields(ctx context.Context, id uint32) (Slot, bool, error) {
	return s.getSlot(ctx, s.db, id)
}

func (s *Store) getSlot(ctx context.Context, ex execer, id uint32) (Slot, bool, error) {
	row := ex.QueryRowContext(ctx,
		`SELECT `+slotColumns+` FROM `+slotFrom+` WHERE h.id = ?`, int64(id))
	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Slot{}, false, nil
	}
	if err != nil {
		return Slot{}, false, fmt.Errorf("reading slot %d: %w", id, err)
	}
	return slot, true, nil
}

// FindSlotByContentHash returns the most recently inserted committed slot
// carrying hash.
func (s *Store) FindSlotByContentHash(ctx context.Context, hash string) (uint32, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM history WHERE hash = ? AND committed = 1 ORDER BY inserted DESC LIMIT 1`,
		hash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("finding slot by hash: %w", err)
	}
	return uint32(id), true, nil
}
