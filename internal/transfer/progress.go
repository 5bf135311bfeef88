package transfer

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// ProgressReader counts bytes read through it and logs progress at most once
// per interval.
type ProgressReader struct {
	r        io.Reader
	total    int64
	interval time.Duration
	logger   *logrus.Entry
	onRead   func(n int)

	read    atomic.Int64
	started time.Time
	lastLog time.Time
	now     func() time.Time
}

// NewProgressReader wraps r; total is the expected size used for percentages
func NewProgressReader(r io.Reader, total int64, interval time.Duration, logger *logrus.Entry) *ProgressReader {
	now := time.Now()
	return &ProgressReader{
		r:        r,
		total:    total,
		interval: interval,
		logger:   logger,
		started:  now,
		lastLog:  now,
		now:      time.Now,
	}
}

// OnRead registers fn to be called with every chunk size read
func (p *ProgressReader) OnRead(fn func(n int)) { p.onRead = fn }

// Read implements io.Reader
func (p *ProgressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read.Add(int64(n))
		if p.onRead != nil {
			p.onRead(n)
		}
		p.maybeLog()
	}
	return n, err
}

// BytesRead returns the number of bytes read so far
func (p *ProgressReader) BytesRead() int64 { return p.read.Load() }

func (p *ProgressReader) maybeLog() {
	if p.logger == nil || p.interval <= 0 {
		return
	}
	now := p.now()
	if now.Sub(p.lastLog) < p.interval {
		return
	}
	p.lastLog = now
	p.logger.WithFields(p.Fields()).Info("Transfer progress")
}

// Fields renders the current progress as log fields
func (p *ProgressReader) Fields() logrus.Fields {
	read := p.read.Load()
	elapsed := p.now().Sub(p.started).Seconds()

	fields := logrus.Fields{
		"transferred": humanize.IBytes(uint64(read)),
	}
	if p.total > 0 {
		fields["percent"] = fmt.Sprintf("%.1f", 100*float64(read)/float64(p.total))
	}
	if elapsed > 0 {
		fields["rate"] = humanize.IBytes(uint64(float64(read)/elapsed)) + "/s"
	}
	return fields
}
