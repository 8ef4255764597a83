package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hhoffstaette/popfile/internal/logging"
)

// Sweeper expires committed slots older than the retention window.
type Sweeper struct {
	store         *Store
	retentionDays int
}

// NewSweeper creates a Sweeper. A retentionDays of zero or less disables
// expiry.
func NewSweeper(store *Store, retentionDays int) *Sweeper {
	return &Sweeper{store: store, retentionDays: retentionDays}
}

// Cutoff returns the insertedAt bound for a sweep at now: slots inserted
// strictly before it are expired.
func (w *Sweeper) Cutoff(now time.Time) int64 {
	return now.Unix() - int64(w.retentionDays)*86400
}

// Sweep deletes, archiving where enabled, every committed slot inserted
// before the cutoff. All rows go in one transaction; files are removed
// after it commits.
func (w *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	if w.retentionDays <= 0 {
		return 0, nil
	}
	cutoff := w.Cutoff(now)
	s := w.store

	var expired []uint32
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		expired = expired[:0]

		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM history WHERE committed = 1 AND inserted < ? ORDER BY id`, cutoff)
		if err != nil {
			return fmt.Errorf("selecting expired slots: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scanning expired slot: %w", err)
			}
			expired = append(expired, uint32(id))
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("selecting expired slots: %w", err)
		}
		rows.Close()

		for _, id := range expired {
			s.archiveSlot(ctx, tx, id)
			if err := s.removeRow(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}

	for _, id := range expired {
		s.removeFile(ctx, id)
	}
	if len(expired) > 0 {
		s.invalidate()
	}

	logging.FromContext(ctx).Info("retention sweep complete",
		"expired", len(expired), "cutoff", time.Unix(cutoff, 0).UTC())
	return len(expired), nil
}
