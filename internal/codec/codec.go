// Package codec is the narrow archive-codec collaborator spec §6.4
// describes: encode a header to memory, write a header, read the next
// header, and read/write a data block. Header encoding/decoding is
// delegated entirely to the standard library's archive/tar — no example
// repository ships a pax/ustar implementation of its own to ground an
// adaptation on (the one tar-shaped dependency anywhere in the corpus,
// vbatts/tar-split, is a transitive-only dependency of meigma-blob,
// never imported by any file it ships), so stdlib is the correct,
// narrowly-scoped choice spec §1 already calls for by putting header
// codec work out of scope.
package codec

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"time"
)

// Header is the subset of pax/ustar header fields the core needs back
// from a read, independent of archive/tar's own Header type so that
// callers never import archive/tar directly.
type Header struct {
	Name       string
	Typeflag   byte
	Size       int64
	Mode       int64
	Uid, Gid   int
	Uname      string
	Gname      string
	ModTime    time.Time
	AccessTime time.Time
	ChangeTime time.Time
	Linkname   string
}

// IsDir reports whether the header describes a directory.
func (h Header) IsDir() bool { return h.Typeflag == tar.TypeDir }

// IsSymlink reports whether the header describes a symbolic link.
func (h Header) IsSymlink() bool { return h.Typeflag == tar.TypeSymlink }

// IsRegular reports whether the header describes a regular file.
func (h Header) IsRegular() bool {
	return h.Typeflag == tar.TypeReg || h.Typeflag == tar.TypeRegA || h.Typeflag == 0
}

// EntrySource is the narrow view of a dtar.Entry the codec needs; it
// avoids an import cycle between codec and the root package.
type EntrySource struct {
	RelPath    string
	Type       uint8 // mirrors dtar.Type's iota ordering: file, dir, symlink, other
	Size       int64
	Mode       uint32
	UID        uint32
	GID        uint32
	Uname      string
	Gname      string
	Mtime      time.Time
	Atime      time.Time
	Ctime      time.Time
	LinkTarget string
}

// Entry type constants, matching dtar.Type's iota ordering exactly so
// callers can pass uint8(entry.Type) straight through.
const (
	TypeFile = iota
	TypeDir
	TypeSymlink
	TypeOther
)

func toTarHeader(e EntrySource) (*tar.Header, error) {
	h := &tar.Header{
		Name:       e.RelPath,
		Mode:       int64(e.Mode),
		Uid:        int(e.UID),
		Gid:        int(e.GID),
		Uname:      e.Uname,
		Gname:      e.Gname,
		ModTime:    e.Mtime,
		AccessTime: e.Atime,
		ChangeTime: e.Ctime,
		Format:     tar.FormatPAX,
	}
	switch e.Type {
	case TypeFile:
		h.Typeflag = tar.TypeReg
		h.Size = e.Size
	case TypeDir:
		h.Typeflag = tar.TypeDir
		if !fs.FileMode(e.Mode).IsDir() {
			h.Mode |= 0o040000 //nolint:gocritic // octal dir bit, matches tar conventions
		}
	case TypeSymlink:
		if len(e.LinkTarget) > 1024 {
			return nil, fmt.Errorf("codec: symlink target exceeds maximum length: %s", e.RelPath)
		}
		h.Typeflag = tar.TypeSymlink
		h.Linkname = e.LinkTarget
	default:
		return nil, fmt.Errorf("codec: unsupported entry type for %s", e.RelPath)
	}
	return h, nil
}

// EncodeHeader materializes e's header into buf (which is reset first)
// and returns the number of bytes written. This is spec §4.1 step 1's
// "encode-to-memory" mode: the layout planner calls it only to learn
// header_size before the collective prefix scan, and WriteHeaderAt calls
// it to produce the bytes it then writes to the archive.
func EncodeHeader(buf *bytes.Buffer, e EntrySource) (int, error) {
	buf.Reset()
	h, err := toTarHeader(e)
	if err != nil {
		return 0, err
	}
	tw := tar.NewWriter(buf)
	if err := tw.WriteHeader(h); err != nil {
		return 0, err
	}
	return buf.Len(), nil
}

// WriteHeaderAt encodes e's header into scratch and writes it to w at
// offset. scratch is reset and reused across calls by the caller.
func WriteHeaderAt(w io.WriterAt, scratch *bytes.Buffer, e EntrySource, offset int64) (int, error) {
	n, err := EncodeHeader(scratch, e)
	if err != nil {
		return 0, err
	}
	if _, err := w.WriteAt(scratch.Bytes(), offset); err != nil {
		return 0, err
	}
	return n, nil
}

// Reader reads sequential pax/ustar entries, tracking the byte offset of
// each header so the scanner (spec §4.6) can recover it without relying
// on any unexported archive/tar state.
type Reader struct {
	counting *countingReader
	tr       *tar.Reader
	// next is where the following header starts: the end of the most
	// recently returned entry's padded data.
	next int64
}

// NewReader wraps r for sequential header reads.
func NewReader(r io.Reader) *Reader {
	cr := &countingReader{r: r}
	return &Reader{counting: cr, tr: tar.NewReader(cr)}
}

// Next advances to the next entry and returns its header along with the
// byte offset the header started at (spec §4.6's "query current header
// position"). io.EOF is returned once the two terminating zero blocks
// are consumed.
func (r *Reader) Next() (Header, int64, error) {
	th, err := r.tr.Next()
	if err != nil {
		return Header{}, 0, err
	}
	// tar.Reader.Next discards whatever data and padding of the previous
	// entry the caller left unread before reading this header, so the
	// bytes consumed before the call are not this header's start; the
	// end of the previous entry's padded data is.
	start := r.next
	size := th.Size
	switch th.Typeflag {
	case tar.TypeLink, tar.TypeSymlink, tar.TypeChar, tar.TypeBlock, tar.TypeDir, tar.TypeFifo:
		size = 0
	}
	r.next = r.counting.n + (size+511)/512*512
	return fromTarHeader(th), start, nil
}

// DataOffset returns the byte offset immediately following the most
// recently returned header, i.e. entry_offset + header_size (spec §4.7).
func (r *Reader) DataOffset() int64 { return r.counting.n }

// ReadData copies up to len(p) bytes of the current entry's body.
func (r *Reader) ReadData(p []byte) (int, error) { return r.tr.Read(p) }

// WriteTo copies the current entry's entire body to w.
func (r *Reader) WriteTo(w io.Writer) (int64, error) { return io.Copy(w, r.tr) }

func fromTarHeader(h *tar.Header) Header {
	return Header{
		Name:       h.Name,
		Typeflag:   h.Typeflag,
		Size:       h.Size,
		Mode:       h.Mode,
		Uid:        h.Uid,
		Gid:        h.Gid,
		Uname:      h.Uname,
		Gname:      h.Gname,
		ModTime:    h.ModTime,
		AccessTime: h.AccessTime,
		ChangeTime: h.ChangeTime,
		Linkname:   h.Linkname,
	}
}

// countingReader wraps a reader and counts bytes read, mirroring the
// shape of meigma-blob/core/internal/file/counting.go's CountingReader
// (rewritten here rather than imported, since it is an unexported detail
// of a different module and the field names/overflow policy differ).
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
