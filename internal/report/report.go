// Package report describes the outcome of one end-to-end run.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Phase names
const (
	PhaseUpload   = "upload"
	PhaseTransfer = "transfer"
	PhaseWait     = "wait"
	PhaseVerify   = "verify"
	PhaseCleanup  = "cleanup"
)

// Phase is one timed step of a run
type Phase struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Report is the outcome of a run
type Report struct {
	TestID     string `json:"test_id"`
	Label      string `json:"label"`
	Filename   string `json:"filename"`
	SeedDigest string `json:"seed_sha256"`
	Size       int64  `json:"size"`
	Mode       string `json:"mode"`

	Source    string `json:"source"`
	SourceKey string `json:"source_key"`
	Target    string `json:"target"`
	TargetKey string `json:"target_key"`

	Passed      bool   `json:"passed"`
	FailedCheck string `json:"failed_check,omitempty"`
	Failure     string `json:"failure,omitempty"`

	Phases   []Phase  `json:"phases"`
	Offsets  []int64  `json:"offsets,omitempty"`
	Window   int64    `json:"window,omitempty"`
	ETag     string   `json:"etag,omitempty"` // "match", "skipped" or empty when not reached
	Warnings []string `json:"warnings,omitempty"`

	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Status returns "PASS" or "FAIL"
func (r *Report) Status() string {
	if r.Passed {
		return "PASS"
	}
	return "FAIL"
}

// Duration returns the wall time of the run
func (r *Report) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// AddPhase appends a finished phase
func (r *Report) AddPhase(name string, d time.Duration, err error) {
	p := Phase{Name: name, Duration: d}
	if err != nil {
		p.Error = err.Error()
	}
	r.Phases = append(r.Phases, p)
}

// Warn records a non-fatal problem
func (r *Report) Warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// WriteText prints a human readable summary
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s (%s)\n", r.Status(), r.TestID, r.Label)
	fmt.Fprintf(&b, "  object:   %s (%s)\n", r.Filename, humanize.IBytes(uint64(r.Size)))
	fmt.Fprintf(&b, "  source:   %s\n", r.Source)
	fmt.Fprintf(&b, "  target:   %s\n", r.Target)
	if r.Mode != "" {
		fmt.Fprintf(&b, "  mode:     %s\n", r.Mode)
	}
	fmt.Fprintf(&b, "  started:  %s (%s)\n", r.Started.Format(time.RFC3339), r.Duration().Round(time.Millisecond))
	for _, p := range r.Phases {
		line := fmt.Sprintf("  phase %-9s %s", p.Name, p.Duration.Round(time.Millisecond))
		if p.Error != "" {
			line += "  error: " + p.Error
		}
		b.WriteString(line + "\n")
	}
	if r.ETag != "" {
		fmt.Fprintf(&b, "  etag:     %s\n", r.ETag)
	}
	if len(r.Offsets) > 0 {
		fmt.Fprintf(&b, "  checked %d windows of %s at %v\n", len(r.Offsets), humanize.IBytes(uint64(r.Window)), r.Offsets)
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(&b, "  warning:  %s\n", warn)
	}
	if !r.Passed {
		fmt.Fprintf(&b, "  failure:  %s\n", r.Failure)
	}

	_, err := io.WriteString(w, b.String())
	return err
}
