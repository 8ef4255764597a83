package history

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

// MagnetFilter selects rows that were classified by a magnet.
const MagnetFilter = "__magnet__"

// DefaultSort lists the most recently inserted slots first.
const DefaultSort = "-inserted"

var sortColumns = map[string]string{
	"from":     "h.hdr_from",
	"to":       "h.hdr_to",
	"cc":       "h.hdr_cc",
	"subject":  "h.hdr_subject",
	"date":     "h.date",
	"inserted": "h.inserted",
	"bucket":   "b.name",
	"size":     "h.size",
}

type queryParams struct {
	filter string
	search string
	sort   string
}

type querySession struct {
	params  queryParams
	applied bool
	dirty   bool

	total int
	rows  []Slot

	rowQuery string
	rowArgs  []any
	cursor   *sql.Rows
	drained  bool
}

func (q *querySession) closeCursor() {
	if q.cursor != nil {
		q.cursor.Close()
		q.cursor = nil
	}
}

// QueryEngine serves paginated, filtered and sorted views of committed
// history. Each query session caches the rows it has fetched; store
// mutations mark every session dirty so the next SetQuery re-executes.
type QueryEngine struct {
	db      *sql.DB
	buckets BucketResolver

	// nextID draws query session ids; rendered as 8 hex digits.
	nextID func() uint32

	mu         sync.Mutex
	sessions   map[string]*querySession
	executions int64
	fetched    int64
}

// NewQueryEngine creates a QueryEngine over store and subscribes it to
// the store's mutations.
func NewQueryEngine(store *Store) *QueryEngine {
	e := &QueryEngine{
		db:       store.db,
		buckets:  store.buckets,
		nextID:   rand.Uint32,
		sessions: make(map[string]*querySession),
	}
	store.Observe(e)
	return e
}

// OpenQuery allocates a new query session and returns its id, a random
// 8-hex-digit string not held by any open session.
func (e *QueryEngine) OpenQuery() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for range MaxReserveAttempts {
		id := fmt.Sprintf("%08x", e.nextID())
		if _, taken := e.sessions[id]; taken {
			continue
		}
		e.sessions[id] = &querySession{}
		return id, nil
	}
	return "", ErrQueryIDsExhausted
}

// SetQuery applies filter, search and sort to the session. It does nothing
// when the parameters match the last applied ones and no mutation happened
// since. Otherwise it runs the count query and prepares the row query; the
// rows themselves are fetched lazily by GetQueryRows.
//
// filter is a bucket name, MagnetFilter, or empty for all buckets. search
// matches From or To case-insensitively. sort is a column name from the
// whitelist, prefixed with "-" for descending order; empty means
// DefaultSort.
func (e *QueryEngine) SetQuery(ctx context.Context, id, filter, search, sort string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuery, id)
	}

	p := queryParams{filter: filter, search: search, sort: sort}
	if q.applied && !q.dirty && q.params == p {
		return nil
	}

	order, err := orderClause(sort)
	if err != nil {
		return err
	}
	where, args, err := e.whereClause(ctx, filter, search)
	if err != nil {
		return err
	}

	var total int
	e.executions++
	if err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+slotFrom+` WHERE `+where, args...).Scan(&total); err != nil {
		return fmt.Errorf("counting history: %w", err)
	}

	q.closeCursor()
	q.params = p
	q.applied = true
	q.dirty = false
	q.total = total
	q.rows = nil
	q.drained = false
	q.rowQuery = `SELECT ` + slotColumns + ` FROM ` + slotFrom + ` WHERE ` + where + ` ORDER BY ` + order
	q.rowArgs = args
	return nil
}

func orderClause(sort string) (string, error) {
	if sort == "" {
		sort = DefaultSort
	}
	dir := "ASC"
	if strings.HasPrefix(sort, "-") {
		dir = "DESC"
		sort = sort[1:]
	}
	col, ok := sortColumns[strings.ToLower(sort)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidSort, sort)
	}
	return col + " " + dir + ", h.id " + dir, nil
}

func (e *QueryEngine) whereClause(ctx context.Context, filter, search string) (string, []any, error) {
	conds := []string{"h.committed = 1"}
	var args []any

	switch filter {
	case "":
	case MagnetFilter:
		conds = append(conds, "h.magnet != ''")
	default:
		if e.buckets == nil {
			return "", nil, fmt.Errorf("resolving bucket %q: no bucket resolver", filter)
		}
		bid, err := e.buckets.BucketID(ctx, filter)
		if err != nil {
			return "", nil, fmt.Errorf("resolving bucket %q: %w", filter, err)
		}
		conds = append(conds, "h.bucketid = ?")
		args = append(args, bid)
	}

	if search != "" {
		pattern := "%" + escapeLike(search) + "%"
		conds = append(conds, `(h.hdr_from LIKE ? ESCAPE '\' OR h.hdr_to LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	return strings.Join(conds, " AND "), args, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// GetQuerySize returns the row count computed by the last SetQuery.
func (e *QueryEngine) GetQuerySize(id string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, err := e.session(id)
	if err != nil {
		return 0, err
	}
	return q.total, nil
}

// GetQueryRows returns up to count rows starting at the 1-based position
// start. Rows already fetched are served from the session cache; only the
// missing tail is read from the database.
func (e *QueryEngine) GetQueryRows(ctx context.Context, id string, start, count int) ([]Slot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, err := e.session(id)
	if err != nil {
		return nil, err
	}
	if start < 1 {
		start = 1
	}
	if count <= 0 {
		return []Slot{}, nil
	}
	end := min(start-1+count, q.total)

	for len(q.rows) < end && !q.drained {
		if q.cursor == nil {
			// The cursor outlives this call, so it must not be tied to ctx.
			e.executions++
			rows, err := e.db.QueryContext(context.WithoutCancel(ctx), q.rowQuery, q.rowArgs...)
			if err != nil {
				return nil, fmt.Errorf("querying history: %w", err)
			}
			q.cursor = rows
		}

		if !q.cursor.Next() {
			err := q.cursor.Err()
			q.closeCursor()
			q.drained = true
			if err != nil {
				return nil, fmt.Errorf("reading history: %w", err)
			}
			break
		}

		slot, err := scanSlot(q.cursor)
		if err != nil {
			q.closeCursor()
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		e.fetched++
		q.rows = append(q.rows, slot)
	}

	if len(q.rows) >= q.total {
		q.closeCursor()
		q.drained = true
	}

	if start > len(q.rows) {
		return []Slot{}, nil
	}
	out := make([]Slot, min(end, len(q.rows))-(start-1))
	copy(out, q.rows[start-1:])
	return out, nil
}

func (e *QueryEngine) session(id string) (*querySession, error) {
	q, ok := e.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, id)
	}
	if !q.applied {
		return nil, ErrQueryNotSet
	}
	return q, nil
}

// CloseQuery releases the session's cursor and forgets the session.
func (e *QueryEngine) CloseQuery(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuery, id)
	}
	q.closeCursor()
	delete(e.sessions, id)
	return nil
}

// Invalidate marks every open session dirty.
func (e *QueryEngine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, q := range e.sessions {
		q.dirty = true
	}
}

// Close closes every open session.
func (e *QueryEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, q := range e.sessions {
		q.closeCursor()
		delete(e.sessions, id)
	}
	return nil
}

// Executions returns how many count and row queries have been run.
func (e *QueryEngine) Executions() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executions
}

// Fetched returns how many rows have been read from row cursors.
func (e *QueryEngine) Fetched() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fetched
}
