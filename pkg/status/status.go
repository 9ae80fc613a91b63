// Package status defines the error kinds surfaced by the zonefs core.
// Callers classify wrapped errors with errors.Is against these sentinels.
package status

import "errors"

var (
	// ErrNoSpace is returned when no active zone can be found for an
	// allocation or a zone append asks for more than the remaining capacity.
	// It is the retry-after-GC path, not a hard failure.
	ErrNoSpace = errors.New("no space")

	// ErrIOError covers device and syscall failures, short async writes,
	// sync timeouts and reads crossing a zone boundary.
	ErrIOError = errors.New("io error")

	// ErrCorruption is returned when decoding metadata that is malformed:
	// unknown tags, missing required fields, zero-length filenames or
	// extents that resolve to no zone.
	ErrCorruption = errors.New("corruption")

	// ErrInvalidArgument covers open-time precondition failures and
	// out-of-contract calls such as skipping past EOF.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotSupported is returned for devices that are not host-managed.
	ErrNotSupported = errors.New("not supported")

	// ErrNotFound is returned by mount when no valid superblock exists on
	// the device, and by namespace lookups for missing files.
	ErrNotFound = errors.New("not found")
)

func IsNoSpace(err error) bool         { return errors.Is(err, ErrNoSpace) }
func IsIOError(err error) bool         { return errors.Is(err, ErrIOError) }
func IsCorruption(err error) bool      { return errors.Is(err, ErrCorruption) }
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }
func IsNotSupported(err error) bool    { return errors.Is(err, ErrNotSupported) }
func IsNotFound(err error) bool        { return errors.Is(err, ErrNotFound) }
