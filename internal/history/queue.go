package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/hhoffstaette/popfile/internal/logging"
)

// CommitEntry asks the next drain to attach a classification to a slot.
type CommitEntry struct {
	SlotID uint32
	Bucket string
	Magnet string
}

// CommitSlot queues the classification for id and returns immediately.
// The row is only updated by the next DrainCommitQueue; entries still
// queued when the process exits are lost and their slots stay uncommitted.
func (s *Store) CommitSlot(id uint32, bucket, magnet string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, CommitEntry{SlotID: id, Bucket: bucket, Magnet: magnet})
}

// Pending returns the number of queued commit entries.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// DrainCommitQueue commits every queued entry in one transaction and
// returns how many rows were updated. The queue is only cleared once the
// whole batch is stored; on error it is left intact for the next drain.
func (s *Store) DrainCommitQueue(ctx context.Context) (int, error) {
	s.mu.Lock()
	batch := append([]CommitEntry(nil), s.queue...)
	s.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	committed := 0
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		committed = 0
		for _, e := range batch {
			ok, err := s.commitEntry(ctx, tx, e)
			if err != nil {
				return err
			}
			if ok {
				committed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("draining commit queue: %w", err)
	}

	s.mu.Lock()
	s.queue = s.queue[len(batch):]
	s.mu.Unlock()

	s.invalidate()
	return committed, nil
}

func (s *Store) commitEntry(ctx context.Context, tx *sql.Tx, e CommitEntry) (bool, error) {
	logger := logging.FromContext(ctx).With("id", e.SlotID)

	hdr, size := readSlotHeaders(ctx, slotPath(s.msgdir, e.SlotID))

	var bucketID sql.NullInt64
	if e.Bucket != "" {
		id, err := s.resolveBucket(ctx, tx, e.Bucket)
		if err != nil {
			logger.Warn("failed to resolve bucket", "bucket", e.Bucket, "error", err)
		} else {
			bucketID = sql.NullInt64{Int64: id, Valid: true}
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE history SET
		  committed = 1,
		  hdr_from = ?, hdr_to = ?, hdr_cc = ?, hdr_subject = ?, hdr_date = ?,
		  hash = ?, inserted = ?, date = ?, bucketid = ?, magnet = ?, size = ?
		WHERE id = ?`,
		hdr.From, hdr.To, hdr.Cc, hdr.Subject, hdr.Date,
		hdr.Hash(), s.now().Unix(), hdr.Epoch, bucketID, e.Magnet, size,
		int64(e.SlotID))
	if err != nil {
		return false, fmt.Errorf("committing slot %d: %w", e.SlotID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("committing slot %d: %w", e.SlotID, err)
	}
	if n == 0 {
		logger.Debug("commit for released slot ignored")
		return false, nil
	}
	return true, nil
}

// resolveBucket asks the classifier for the bucket id and mirrors the
// (id, name) pair into the buckets table for sorting by name.
func (s *Store) resolveBucket(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	if s.buckets == nil {
		return 0, errors.New("no bucket resolver")
	}
	id, err := s.buckets.BucketID(ctx, name)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ? AND id != ?`, name, id); err != nil {
		return 0, fmt.Errorf("mirroring bucket %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO buckets (id, name) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name`, id, name); err != nil {
		return 0, fmt.Errorf("mirroring bucket %q: %w", name, err)
	}
	return id, nil
}

// readSlotHeaders parses the header block of a slot file. A missing or
// unreadable file yields empty headers.
func readSlotHeaders(ctx context.Context, path string) (MessageHeaders, int64) {
	f, err := os.Open(path)
	if err != nil {
		logging.FromContext(ctx).Warn("slot file unreadable, committing empty headers", "path", path, "error", err)
		return MessageHeaders{}, 0
	}
	defer f.Close()

	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	return ParseHeaders(f), size
}
