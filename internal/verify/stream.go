package verify

import (
	"errors"
	"fmt"
	"io"

	"github.com/guided-traffic/transfer-e2e/internal/content"
)

// StreamVerifier is an io.Writer that checks everything written to it against
// the expected content, starting at offset 0. The first mismatch is returned
// from Write as an *IntegrityError.
type StreamVerifier struct {
	seed     content.Seed
	total    int64
	pos      int64
	expected []byte
	failed   *IntegrityError
}

// NewStreamVerifier creates a verifier for an object of totalSize bytes
func NewStreamVerifier(seed content.Seed, totalSize int64) *StreamVerifier {
	return &StreamVerifier{seed: seed, total: totalSize}
}

// Write implements io.Writer
func (s *StreamVerifier) Write(p []byte) (int, error) {
	if s.failed != nil {
		return 0, s.failed
	}
	if s.pos+int64(len(p)) > s.total {
		s.failed = &IntegrityError{
			Check:      StepStream,
			Offset:     s.total,
			ByteOffset: s.total,
			Reason:     fmt.Sprintf("stream is longer than %d bytes", s.total),
		}
		return 0, s.failed
	}

	if cap(s.expected) < len(p) {
		s.expected = make([]byte, len(p))
	}
	want := s.expected[:len(p)]
	if err := content.Fill(s.seed, want, s.pos, s.total); err != nil {
		return 0, err
	}
	if d := firstDiff(p, want); d >= 0 {
		at := s.pos + int64(d)
		s.failed = &IntegrityError{
			Check:      StepStream,
			Offset:     at,
			ByteOffset: at,
			Reason:     fmt.Sprintf("byte %d differs from the expected content", at),
		}
		return d, s.failed
	}

	s.pos += int64(len(p))
	return len(p), nil
}

// Offset returns the number of bytes verified so far
func (s *StreamVerifier) Offset() int64 { return s.pos }

// Finish checks that the stream was complete
func (s *StreamVerifier) Finish() error {
	if s.failed != nil {
		return s.failed
	}
	if s.pos != s.total {
		return &IntegrityError{
			Check:      StepStream,
			Offset:     s.pos,
			ByteOffset: s.pos,
			Reason:     fmt.Sprintf("stream ended after %d of %d bytes", s.pos, s.total),
		}
	}
	return nil
}

// CompareStreams reads target completely and checks it against the expected
// content. When source is not nil it is read in lockstep and must be
// byte-identical to target.
func CompareStreams(seed content.Seed, totalSize int64, target, source io.Reader, bufSize int) error {
	if bufSize <= 0 {
		bufSize = 1024 * 1024
	}
	sv := NewStreamVerifier(seed, totalSize)

	if source == nil {
		if _, err := io.CopyBuffer(sv, struct{ io.Reader }{target}, make([]byte, bufSize)); err != nil {
			return streamError(err)
		}
		return sv.Finish()
	}

	tgtBuf := make([]byte, bufSize)
	srcBuf := make([]byte, bufSize)
	for {
		tn, terr := io.ReadFull(target, tgtBuf)
		sn, serr := io.ReadFull(source, srcBuf)
		if terr != nil && !isEOF(terr) {
			return fmt.Errorf("failed to read target at offset %d: %w", sv.Offset(), terr)
		}
		if serr != nil && !isEOF(serr) {
			return fmt.Errorf("failed to read source at offset %d: %w", sv.Offset(), serr)
		}

		if d := firstDiff(tgtBuf[:tn], srcBuf[:sn]); d >= 0 {
			at := sv.Offset() + int64(d)
			return &IntegrityError{
				Check:      StepSourceCompare,
				Offset:     at,
				ByteOffset: at,
				Reason:     fmt.Sprintf("source (%d bytes read) and target (%d bytes read) differ at byte %d", sn, tn, at),
			}
		}
		if _, err := sv.Write(tgtBuf[:tn]); err != nil {
			return streamError(err)
		}
		if isEOF(terr) || isEOF(serr) {
			return sv.Finish()
		}
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func streamError(err error) error {
	var ierr *IntegrityError
	if errors.As(err, &ierr) {
		return ierr
	}
	return fmt.Errorf("failed to read stream: %w", err)
}
