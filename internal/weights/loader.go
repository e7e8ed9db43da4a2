package weights

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/born-ml/stereodepth/internal/tensor"
)

// maxNameLen bounds a record name so a corrupt file cannot make the reader
// scan the whole archive looking for a terminator.
const maxNameLen = 4096

// payloadChunk is the largest up-front payload allocation.
const payloadChunk = 1 << 20

// Load reads the weight archive at path.
func Load(path string, p tensor.Precision) (*Store, error) {
	//nolint:gosec // G304: weights path is supplied by the operator
	f, err := os.Open(path)
	if err != nil {
		return nil, &FormatError{Path: path, Err: fmt.Errorf("failed to open file: %w", err)}
	}
	defer f.Close()

	store, err := Decode(f, p)
	if err != nil {
		var fe *FormatError
		if errors.As(err, &fe) {
			fe.Path = path
		}
		return nil, err
	}
	return store, nil
}

// Decode reads weight records from r until EOF. The first malformed record
// aborts the whole decode; no partial store is returned.
func Decode(r io.Reader, p tensor.Precision) (*Store, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("weights: unsupported precision %v", p)
	}

	cr := &countingReader{r: bufio.NewReader(r)}
	store := NewStore(p)

	for record := 0; ; record++ {
		start := cr.n

		// Clean end of archive: EOF exactly at a record boundary.
		if _, err := cr.r.Peek(1); err == io.EOF {
			return store, nil
		}

		name, err := cr.readName()
		if err != nil {
			return nil, &FormatError{Record: record, Offset: start, Err: err}
		}

		var count uint32
		if err := binary.Read(cr, binary.LittleEndian, &count); err != nil {
			return nil, &FormatError{Record: record, Name: name, Offset: start, Err: truncated(err, "count")}
		}

		data, err := cr.readPayload(int64(count) * int64(p.Size()))
		if err != nil {
			return nil, &FormatError{Record: record, Name: name, Offset: start, Err: err}
		}

		t := &Tensor{Name: name, Precision: p, Count: int(count), Data: data}
		if err := store.Add(t); err != nil {
			return nil, &FormatError{Record: record, Name: name, Offset: start, Err: err}
		}
	}
}

// Encode writes s in archive format, in store order. It is the inverse of Decode.
func Encode(w io.Writer, s *Store) error {
	bw := bufio.NewWriter(w)
	var err error
	s.All(func(t *Tensor) bool {
		if _, err = bw.WriteString(t.Name); err != nil {
			return false
		}
		if err = bw.WriteByte(0); err != nil {
			return false
		}
		//nolint:gosec // G115: tensor counts are bounded by the uint32 archive field
		if err = binary.Write(bw, binary.LittleEndian, uint32(t.Count)); err != nil {
			return false
		}
		_, err = bw.Write(t.Data)
		return err == nil
	})
	if err != nil {
		return fmt.Errorf("failed to write weights: %w", err)
	}
	return bw.Flush()
}

// Save writes s to path in archive format.
func Save(path string, s *Store) error {
	//nolint:gosec // G304: output path is supplied by the operator
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := Encode(f, s); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func truncated(err error, field string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: short %s", ErrTruncated, field)
	}
	return err
}

// countingReader tracks the byte offset for error reports.
type countingReader struct {
	r *bufio.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// readPayload reads n bytes. The buffer grows with the bytes actually read,
// so a corrupt count on a short archive fails as truncated instead of
// allocating the claimed size up front.
func (c *countingReader) readPayload(n int64) ([]byte, error) {
	if n > math.MaxInt {
		return nil, fmt.Errorf("payload of %d bytes exceeds the address space", n)
	}
	var buf bytes.Buffer
	buf.Grow(int(min(n, payloadChunk)))
	if _, err := io.CopyN(&buf, c, n); err != nil {
		return nil, truncated(err, "payload")
	}
	return buf.Bytes(), nil
}

func (c *countingReader) readName() (string, error) {
	buf := make([]byte, 0, 64)
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return "", truncated(err, "name")
		}
		c.n++
		if b == 0 {
			break
		}
		if len(buf) == maxNameLen {
			return "", fmt.Errorf("name exceeds %d bytes", maxNameLen)
		}
		buf = append(buf, b)
	}
	if len(buf) == 0 {
		return "", ErrEmptyName
	}
	return string(buf), nil
}
