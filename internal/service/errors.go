package service

import "github.com/zeebo/errs"

// Error classes for the engine. Callers branch on the class:
//
//   - ErrValidation: the batch itself is bad (unknown track id, unknown tag
//     name, malformed fingerprint). The whole batch is rejected; nothing was
//     written.
//   - ErrNotFound: the acting user is unknown or disabled. Rejected before
//     any transaction begins.
//   - ErrStore: the underlying store failed. The engine does not retry.
var (
	ErrValidation = errs.Class("validation")
	ErrNotFound   = errs.Class("not found")
	ErrStore      = errs.Class("store")
)
