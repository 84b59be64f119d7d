// Package perr defines the sentinel error taxonomy shared by every PearTube
// component (spec.md §7). Components wrap these with fmt.Errorf("%w: ...")
// so callers can still errors.Is against the kind while getting a
// human-readable message for the RPC boundary.
package perr

import "errors"

var (
	// ErrInvalidKey is returned when a channel key fails the
	// ^[a-f0-9]{64}$ canonical-form check.
	ErrInvalidKey = errors.New("invalid channel key")

	// ErrInvalidPath is returned when a drive path is empty or not
	// absolute.
	ErrInvalidPath = errors.New("invalid path")

	// ErrNotFound is returned when a metadata-log entry is missing or is
	// not a blob entry.
	ErrNotFound = errors.New("not found")

	// ErrTimeout is returned by operations bound by a deadline (sync
	// wait, entry wait, per-block read). Callers of observational waits
	// swallow it; callers of user-triggered operations surface it.
	ErrTimeout = errors.New("timed out")

	// ErrPeerTransient marks a per-connection failure (malformed
	// message, send failure) that must never propagate past the
	// component that observed it.
	ErrPeerTransient = errors.New("transient peer error")

	// ErrInternal covers assertion failures and storage errors that the
	// caller must decide how to handle.
	ErrInternal = errors.New("internal error")
)
