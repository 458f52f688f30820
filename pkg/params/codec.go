package params

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	blobMagic   = "FEDP"
	blobVersion = uint16(1)

	// MaxRank bounds the number of dimensions of a decoded tensor.
	MaxRank = 16

	// MaxElements bounds the element count of a single decoded tensor (2 GiB of float64).
	MaxElements = 1 << 28

	chunkValues = 1024
)

// Encode writes s to w in blob format.
func Encode(w io.Writer, s *State) error {
	bw := bufio.NewWriter(w)
	var hdr [4]byte

	if _, err := bw.WriteString(blobMagic); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(hdr[:2], blobVersion)
	if _, err := bw.Write(hdr[:2]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(hdr[:4], uint32(s.Len()))
	if _, err := bw.Write(hdr[:4]); err != nil {
		return err
	}

	buf := make([]byte, 8*chunkValues)
	for _, name := range s.Keys() {
		t, _ := s.Get(name)
		if len(name) > math.MaxUint16 {
			return fmt.Errorf("parameter name too long: %d bytes", len(name))
		}
		if len(t.Shape) > MaxRank {
			return fmt.Errorf("parameter %q: rank %d exceeds %d", name, len(t.Shape), MaxRank)
		}
		if n, err := numElements(t.Shape); err != nil || n != len(t.Data) {
			return fmt.Errorf("parameter %q: %w", name, ErrShapeMismatch)
		}

		binary.LittleEndian.PutUint16(hdr[:2], uint16(len(name)))
		if _, err := bw.Write(hdr[:2]); err != nil {
			return err
		}
		if _, err := bw.WriteString(name); err != nil {
			return err
		}
		if err := bw.WriteByte(byte(len(t.Shape))); err != nil {
			return err
		}
		for _, d := range t.Shape {
			binary.LittleEndian.PutUint32(hdr[:4], uint32(d))
			if _, err := bw.Write(hdr[:4]); err != nil {
				return err
			}
		}

		for off := 0; off < len(t.Data); off += chunkValues {
			end := off + chunkValues
			if end > len(t.Data) {
				end = len(t.Data)
			}
			b := buf[:8*(end-off)]
			for i, v := range t.Data[off:end] {
				binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(v))
			}
			if _, err := bw.Write(b); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Decode reads one blob-format state from r. Trailing bytes are rejected.
func Decode(r io.Reader) (*State, error) {
	br := bufio.NewReader(r)
	var hdr [4]byte

	if _, err := io.ReadFull(br, hdr[:4]); err != nil {
		return nil, malformed("read magic", err)
	}
	if string(hdr[:4]) != blobMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrMalformedBlob, hdr[:4])
	}
	if _, err := io.ReadFull(br, hdr[:2]); err != nil {
		return nil, malformed("read version", err)
	}
	if v := binary.LittleEndian.Uint16(hdr[:2]); v != blobVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedBlob, v)
	}
	if _, err := io.ReadFull(br, hdr[:4]); err != nil {
		return nil, malformed("read count", err)
	}
	count := binary.LittleEndian.Uint32(hdr[:4])

	s := New()
	buf := make([]byte, 8*chunkValues)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(br, hdr[:2]); err != nil {
			return nil, malformed("read name length", err)
		}
		name := make([]byte, binary.LittleEndian.Uint16(hdr[:2]))
		if _, err := io.ReadFull(br, name); err != nil {
			return nil, malformed("read name", err)
		}
		if _, dup := s.Get(string(name)); dup {
			return nil, fmt.Errorf("%w: duplicate parameter %q", ErrMalformedBlob, name)
		}

		rank, err := br.ReadByte()
		if err != nil {
			return nil, malformed("read rank", err)
		}
		if int(rank) > MaxRank {
			return nil, fmt.Errorf("%w: parameter %q rank %d exceeds %d", ErrMalformedBlob, name, rank, MaxRank)
		}
		shape := make([]int, rank)
		n := 1
		for d := range shape {
			if _, err := io.ReadFull(br, hdr[:4]); err != nil {
				return nil, malformed("read dims", err)
			}
			shape[d] = int(binary.LittleEndian.Uint32(hdr[:4]))
			if shape[d] != 0 && n > MaxElements/shape[d] {
				return nil, fmt.Errorf("%w: parameter %q exceeds %d elements", ErrMalformedBlob, name, MaxElements)
			}
			n *= shape[d]
		}

		// Grow with the bytes actually read, not the declared shape.
		data := make([]float64, 0, min(n, chunkValues))
		for off := 0; off < n; off += chunkValues {
			end := min(off+chunkValues, n)
			b := buf[:8*(end-off)]
			if _, err := io.ReadFull(br, b); err != nil {
				return nil, malformed("read data", err)
			}
			for j := 0; j < end-off; j++ {
				data = append(data, math.Float64frombits(binary.LittleEndian.Uint64(b[8*j:])))
			}
		}
		s.Set(string(name), Tensor{Shape: shape, Data: data})
	}

	if _, err := br.ReadByte(); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%w: trailing data", ErrMalformedBlob)
		}
		return nil, err
	}
	return s, nil
}

// Marshal encodes s into a byte slice.
func Marshal(s *State) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a state from b.
func Unmarshal(b []byte) (*State, error) {
	return Decode(bytes.NewReader(b))
}

func malformed(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s: truncated", ErrMalformedBlob, op)
	}
	return fmt.Errorf("%s: %w", op, err)
}
