package replay

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/MarcusGrass/pgwm-sub001/internal/logging"
)

// Result is the measurement of one op list.
type Result struct {
	Duration  time.Duration
	Writes    int
	Reads     int
	BytesOut  int64
	BytesIn   int64
	Latencies []time.Duration
}

// Add folds o into r.
func (r *Result) Add(o Result) {
	r.Duration += o.Duration
	r.Writes += o.Writes
	r.Reads += o.Reads
	r.BytesOut += o.BytesOut
	r.BytesIn += o.BytesIn
	r.Latencies = append(r.Latencies, o.Latencies...)
}

// Driver runs op lists over a blocking byte stream. The stream may be a
// net.Conn or a uring.Stream.
type Driver struct {
	logger  logging.Logger
	metrics *Metrics
	buf     []byte
}

// NewDriver returns a Driver configured by opt.
func NewDriver(opt ...Option) *Driver {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)
	return &Driver{logger: opts.logger, metrics: opts.metrics}
}

// Run performs ops in order over rw: write-all for a Write, read-exact for a
// Read. Every Read directly following a Write yields a latency sample from
// the start of the write to the end of the read. The context is checked
// between ops; an op in progress is not interrupted.
func (d *Driver) Run(ctx context.Context, phase string, ops []Op, rw io.ReadWriter) (Result, error) {
	var res Result
	start := time.Now()
	var issued time.Time
	prev := Read

	for i, o := range ops {
		if err := ctx.Err(); err != nil {
			return res, errors.Wrapf(err, "%s op %d", phase, i)
		}

		switch o.Kind {
		case Write:
			issued = time.Now()
			if _, err := rw.Write(o.Data); err != nil {
				return res, errors.Wrapf(err, "%s op %d: write %d bytes", phase, i, o.Len())
			}
			res.Writes++
			res.BytesOut += int64(o.Len())
		case Read:
			if cap(d.buf) < o.Len() {
				d.buf = make([]byte, o.Len())
			}
			if _, err := io.ReadFull(rw, d.buf[:o.Len()]); err != nil {
				return res, errors.Wrapf(err, "%s op %d: read %d bytes", phase, i, o.Len())
			}
			res.Reads++
			res.BytesIn += int64(o.Len())
			if i > 0 && prev == Write {
				lat := time.Since(issued)
				res.Latencies = append(res.Latencies, lat)
				d.metrics.observe(phase, lat)
			}
		default:
			return res, errors.Errorf("%s op %d: unknown kind %s", phase, i, o.Kind)
		}
		prev = o.Kind
	}

	res.Duration = time.Since(start)
	d.metrics.phase(phase, res.Duration)
	d.logger.Debug("op list replayed", "phase", phase,
		"ops", len(ops),
		"duration", res.Duration,
		"bytes_out", res.BytesOut,
		"bytes_in", res.BytesIn)
	return res, nil
}

// RunPlan runs the startup ops and then the steady ops over rw.
func (d *Driver) RunPlan(ctx context.Context, p Plan, rw io.ReadWriter) (startup, steady Result, err error) {
	if startup, err = d.Run(ctx, PhaseStartup, p.Startup, rw); err != nil {
		return startup, steady, err
	}
	steady, err = d.Run(ctx, PhaseSteady, p.Steady, rw)
	return startup, steady, err
}

// Phase names used in logs, metrics and reports.
const (
	PhaseStartup = "startup"
	PhaseSteady  = "steady"
)
