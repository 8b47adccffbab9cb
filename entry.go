package dtar

import "time"

// Type identifies the kind of file-system object an Entry represents.
type Type uint8

const (
	// TypeFile is a regular file with content.
	TypeFile Type = iota
	// TypeDir is a directory.
	TypeDir
	// TypeSymlink is a symbolic link.
	TypeSymlink
	// TypeOther covers devices, fifos, sockets, and anything else.
	// Entries of this type are skipped with a warning (spec §3).
	TypeOther
)

// String returns a human-readable name for t.
func (t Type) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	case TypeSymlink:
		return "symlink"
	default:
		return "other"
	}
}

// Entry is one item in the input file list Create takes. Attributes
// mirror spec §3. Extract does not return Entry values; it rebuilds its
// file list internally from the archive headers.
type Entry struct {
	// Path is the absolute source path Create reads file content from.
	Path string

	// RelPath is Path relative to the working directory the archive was
	// created from; this is what the codec encodes into the header.
	RelPath string

	Type Type

	// Size is valid for TypeFile only.
	Size int64

	Mode  uint32
	UID   uint32
	GID   uint32
	Uname string
	Gname string

	Atime time.Time
	Mtime time.Time
	Ctime time.Time

	// LinkTarget is valid for TypeSymlink only.
	LinkTarget string

	// DataOffset is the position of this entry's content in an archive:
	// entry_offset + header_size. Create and Extract neither read nor
	// set it.
	DataOffset uint64
}
