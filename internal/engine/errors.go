package engine

import "errors"

// ErrUnsupported is returned by an Adapter method that cannot be
// implemented against the underlying connection (e.g. merge-by-unique-key
// against a warehouse with no MERGE statement).
var ErrUnsupported = errors.New("engine: operation not supported by this adapter")
