package history

import "errors"

var (
	// ErrSlotsExhausted is returned when ReserveSlot keeps colliding with
	// live ids until its attempt budget runs out.
	ErrSlotsExhausted = errors.New("no free slot id after maximum attempts")

	// ErrQueryIDsExhausted is returned when OpenQuery cannot find an id
	// that no open session holds.
	ErrQueryIDsExhausted = errors.New("no free query session id after maximum attempts")

	// ErrUnknownQuery is returned for a query session id that is not open.
	ErrUnknownQuery = errors.New("unknown query session")

	// ErrQueryNotSet is returned when rows are requested before SetQuery.
	ErrQueryNotSet = errors.New("query parameters not set")

	// ErrInvalidSort is returned for a sort column outside the whitelist.
	ErrInvalidSort = errors.New("invalid sort column")
)
