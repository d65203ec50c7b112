package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/basekick-labs/arc-catalog/internal/catalog"
)

var (
	// ErrCorrupt indicates a damaged entry or segment header.
	ErrCorrupt = errors.New("WAL corrupt")

	// errTorn marks an entry cut short by the end of the file.
	errTorn = errors.New("torn WAL entry")
)

// Entry is one decoded journal entry.
type Entry struct {
	Sequence uint64
	Mutation catalog.Mutation
	Offset   int64 // byte offset of the entry header within its segment
	Size     int64 // header plus payload
}

// Reader streams entries from one segment.
type Reader struct {
	path   string
	f      *os.File
	r      *bufio.Reader
	offset int64
	size   int64
}

// OpenReader opens a segment and validates its header.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	rd := &Reader{path: path, f: f, r: bufio.NewReader(f), size: info.Size()}
	header := make([]byte, WALFileHeaderSize)
	if _, err := io.ReadFull(rd.r, header); err != nil {
		f.Close()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: segment header", errTorn)
		}
		return nil, fmt.Errorf("failed to read WAL header: %w", err)
	}
	switch {
	case !bytes.Equal(header[0:4], WALMagic):
		f.Close()
		return nil, fmt.Errorf("%w: invalid magic bytes in %s", ErrCorrupt, path)
	case binary.BigEndian.Uint16(header[4:6]) != WALVersion:
		f.Close()
		return nil, fmt.Errorf("%w: unsupported version %d in %s", ErrCorrupt, binary.BigEndian.Uint16(header[4:6]), path)
	case header[6] != WALChecksumCRC32:
		f.Close()
		return nil, fmt.Errorf("%w: unknown checksum type %d in %s", ErrCorrupt, header[6], path)
	}
	rd.offset = WALFileHeaderSize
	return rd, nil
}

// Next returns the next entry, or io.EOF at a clean end of segment. An entry
// cut short by the end of the file, or whose checksum fails while being the
// final bytes of the file, is reported as torn; any other damage is ErrCorrupt.
func (rd *Reader) Next() (Entry, error) {
	start := rd.offset
	header := make([]byte, WALEntryHeaderSize)
	n, err := io.ReadFull(rd.r, header)
	if err == io.EOF {
		return Entry{}, io.EOF
	}
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Entry{}, fmt.Errorf("%w at offset %d: %d of %d header bytes", errTorn, start, n, WALEntryHeaderSize)
		}
		return Entry{}, fmt.Errorf("failed to read entry header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[0:4])
	seq := binary.BigEndian.Uint64(header[4:12])
	checksum := binary.BigEndian.Uint32(header[12:16])
	end := start + WALEntryHeaderSize + int64(length)

	if length > MaxWALPayloadSize {
		if end > rd.size {
			return Entry{}, fmt.Errorf("%w at offset %d: length %d runs past end of file", errTorn, start, length)
		}
		return Entry{}, fmt.Errorf("%w: entry at offset %d has length %d", ErrCorrupt, start, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(rd.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Entry{}, fmt.Errorf("%w at offset %d: payload truncated", errTorn, start)
		}
		return Entry{}, fmt.Errorf("failed to read payload: %w", err)
	}
	if actual := entryChecksum(header[4:12], payload); actual != checksum {
		if end == rd.size {
			return Entry{}, fmt.Errorf("%w at offset %d: checksum mismatch in final entry", errTorn, start)
		}
		return Entry{}, fmt.Errorf("%w: checksum mismatch at offset %d: expected %08x, got %08x", ErrCorrupt, start, checksum, actual)
	}
	rd.offset = end

	m, err := catalog.DecodeMutation(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: entry %d at offset %d: %v", ErrCorrupt, seq, start, err)
	}
	return Entry{Sequence: seq, Mutation: m, Offset: start, Size: end - start}, nil
}

// Offset returns the end of the last valid entry returned by Next.
func (rd *Reader) Offset() int64 {
	return rd.offset
}

// Close closes the segment file.
func (rd *Reader) Close() error {
	return rd.f.Close()
}
