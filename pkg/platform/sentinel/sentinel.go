package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers return
// these (optionally wrapped) so services can translate them into domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: enrollment does not exist in store
// - ErrConflict: optimistic-concurrency check failed (status moved underneath us)
// - ErrDuplicate: a non-terminal enrollment already exists for the requester
// - ErrReplayed: nonce was already consumed within the freshness window
// - ErrUnavailable: backing service temporarily unreachable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrDuplicate   = errors.New("duplicate")
	ErrReplayed    = errors.New("replayed")
	ErrUnavailable = errors.New("unavailable")
)
