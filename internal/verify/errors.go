package verify

import "fmt"

// Steps named in IntegrityError.Check
const (
	StepSize          = "size"
	StepETag          = "etag"
	StepSpot          = "spot-check"
	StepSourceCompare = "source-compare"
	StepStream        = "stream"
	StepTransferred   = "transferred-bytes"
)

// IntegrityError reports the first failed verification step
type IntegrityError struct {
	Check  string // which kind of check failed
	Index  int    // 1-based index of a spot check, 0 otherwise
	Total  int    // number of spot checks planned
	Offset int64  // start of the failing window, or the failing byte for streams
	// ByteOffset is the absolute offset of the first differing byte, -1 when unknown
	ByteOffset int64
	Reason     string
}

func (e *IntegrityError) Error() string {
	switch {
	case e.Index > 0:
		return fmt.Sprintf("integrity check failed: %s %d/%d at offset %d: %s", e.Check, e.Index, e.Total, e.Offset, e.Reason)
	case e.ByteOffset >= 0:
		return fmt.Sprintf("integrity check failed: %s at offset %d: %s", e.Check, e.ByteOffset, e.Reason)
	default:
		return fmt.Sprintf("integrity check failed: %s: %s", e.Check, e.Reason)
	}
}

func sizeMismatch(check, what string, observed, expected int64) *IntegrityError {
	return &IntegrityError{
		Check:      check,
		ByteOffset: -1,
		Reason:     fmt.Sprintf("%s size %d != expected %d", what, observed, expected),
	}
}

// firstDiff returns the index of the first differing byte, or -1
func firstDiff(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	if len(a) != len(b) {
		return n
	}
	return -1
}
