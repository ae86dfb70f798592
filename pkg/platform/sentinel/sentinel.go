package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, locks and clients return
// these (optionally wrapped) so callers can branch with errors.Is.
//
// - ErrNotFound: row does not exist in store
// - ErrConflict: conditional write lost to a concurrent writer
// - ErrInvalidState: entity in wrong state for requested operation
// - ErrUnavailable: dependency temporarily unavailable (open breaker, lock held elsewhere)
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
