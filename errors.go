package dtar

import "errors"

// Sentinel errors of package dtar. Create returns errors wrapping
// ErrUnwritableDest (no destination path) and ErrAborted (a header write
// failed on some rank), and logs ErrUnsupportedType. ErrFormat,
// ErrIndexMismatch, ErrPathTooLong and ErrInvalidSource are not returned
// by Create or Extract: those conditions surface as wrapped errors from
// the internal packages (an oversized symlink target, for example, as
// layout.ErrEncodeFailed), and Extract treats an unreadable index as
// absent and falls back to a scan.
var (
	// ErrFormat indicates the archive is not a well-formed pax/ustar stream
	// (unexpected EOF, bad header, or a size mismatch against the index).
	ErrFormat = errors.New("dtar: format error")

	// ErrIndexMismatch indicates <archive>.idx has an invalid length (not a
	// multiple of 8) or does not agree with the archive it is paired with.
	ErrIndexMismatch = errors.New("dtar: index file mismatch")

	// ErrPathTooLong indicates a symlink target or entry path exceeded the
	// codec's representable length. Entries are failed, not truncated.
	ErrPathTooLong = errors.New("dtar: path exceeds maximum length")

	// ErrUnsupportedType is logged as a warning for each TypeOther entry
	// Create drops from its input list (devices, fifos, sockets, ...);
	// it is never returned to the caller, since dropping such an entry
	// is not itself a failure (spec §3, §7).
	ErrUnsupportedType = errors.New("dtar: unsupported entry type")

	// ErrAborted indicates at least one rank reported a local error and the
	// operation was terminated uniformly at the next collective boundary.
	ErrAborted = errors.New("dtar: aborted due to rank error")

	// ErrInvalidSource indicates no readable source path was given to Create.
	ErrInvalidSource = errors.New("dtar: invalid source")

	// ErrUnwritableDest indicates the destination parent directory is not
	// writable.
	ErrUnwritableDest = errors.New("dtar: unwritable destination")
)
