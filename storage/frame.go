package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

const frameHeaderSize = 8 // 4 bytes for length, 4 for CRC

// maxFrameSize bounds a single record so a corrupt length cannot make
// replay allocate unbounded memory.
const maxFrameSize = 64 << 20

//  ______________________________________________________________ ...
// |   Payload length (4 byte)  | CRC Hash (4 byte) |    Record     ...
// |____________________________|___________________|______________ ...

var (
	crc32cTable = crc32.MakeTable(crc32.Castagnoli)

	errCorruptFrame = errors.New("corrupt frame")
)

// appendFrame appends the framed record to buf.
func appendFrame(buf []byte, r *Record) []byte {
	payload := marshalRecord(r)
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], crc32.Checksum(payload, crc32cTable))
	buf = append(buf, header[:]...)
	return append(buf, payload...)
}

// readFrame reads one framed record. A torn tail is reported as
// io.ErrUnexpectedEOF, a clean end as io.EOF.
func readFrame(r io.Reader) (*Record, int64, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, 0, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	crc := binary.BigEndian.Uint32(header[4:8])
	if length > maxFrameSize {
		return nil, 0, fmt.Errorf("%w: length %d exceeds limit", errCorruptFrame, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}

	if actualCRC := crc32.Checksum(payload, crc32cTable); actualCRC != crc {
		return nil, 0, fmt.Errorf("%w: crc mismatch: expected %d, got %d", errCorruptFrame, crc, actualCRC)
	}

	rec := &Record{}
	if err := unmarshalRecord(payload, rec); err != nil {
		return nil, 0, err
	}
	return rec, frameHeaderSize + int64(length), nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
