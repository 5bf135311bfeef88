package content

import "io"

// Stream is a forward-only reader over the deterministic object. It is meant
// to feed one upload and is not safe for concurrent use.
type Stream struct {
	seed Seed
	size int64
	pos  int64
}

// NewStream returns a Stream positioned at offset 0.
func NewStream(seed Seed, size int64) *Stream {
	return &Stream{seed: seed, size: size}
}

// Read implements io.Reader. It fills p completely unless fewer bytes remain,
// and returns io.EOF once the object is exhausted.
func (s *Stream) Read(p []byte) (int, error) {
	if s.pos >= s.size {
		return 0, io.EOF
	}
	n := int64(len(p))
	if left := s.size - s.pos; n > left {
		n = left
	}
	fill(s.seed, p[:n], s.pos)
	s.pos += n
	return int(n), nil
}

// Next returns the next min(max, remaining) bytes and advances the cursor.
// A negative max reads everything that is left. The result is empty once the
// object is exhausted.
func (s *Stream) Next(max int) ([]byte, error) {
	left := s.size - s.pos
	if left <= 0 {
		return []byte{}, nil
	}
	n := left
	if max >= 0 && int64(max) < n {
		n = int64(max)
	}
	out, err := Range(s.seed, s.pos, n, s.size)
	if err != nil {
		return nil, err
	}
	s.pos += n
	return out, nil
}

// Offset returns the cursor position.
func (s *Stream) Offset() int64 { return s.pos }

// Size returns the total object size.
func (s *Stream) Size() int64 { return s.size }

// Len returns the number of unread bytes.
func (s *Stream) Len() int64 { return s.size - s.pos }
