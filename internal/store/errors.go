package store

import "errors"

var (
	// ErrNotFound means no document exists at the requested key or
	// version. Expected and recoverable; surfaced directly to callers.
	ErrNotFound = errors.New("document not found")

	// ErrConflict means a caller-supplied expected version did not match
	// the current version. The caller owns any retry-with-backoff; the
	// store never retries internally.
	ErrConflict = errors.New("version conflict")

	// ErrMalformedDocument means the body failed structural
	// well-formedness (it is not a JSON object). This is a caller error
	// and is never retried.
	ErrMalformedDocument = errors.New("malformed document body")
)
