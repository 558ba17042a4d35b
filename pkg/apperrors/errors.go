// Package apperrors holds the small sentinel-error taxonomy the ingest
// HTTP boundary maps onto response codes (spec §7). Only the categories
// that are ever reported to a caller get a sentinel here: enrichment and
// scoring failures are absorbed into degraded values further down the
// pipeline and never reach this layer as errors.
package apperrors

import "errors"

var (
	// ErrValidation marks a caller-fixable request (missing field, bad JSON).
	ErrValidation = errors.New("validation_error")
	// ErrDuplicateEvent marks an idempotent re-submission of a known hash.
	ErrDuplicateEvent = errors.New("duplicate_event")
	// ErrStoreIO marks a persistence failure that was not a uniqueness
	// violation.
	ErrStoreIO = errors.New("store_io_error")
)
