package replay

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/codahale/hdrhistogram"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrFormat is returned by Render for an unknown output format.
var ErrFormat = errors.New("unknown report format")

// Latency bounds of the histogram, in microseconds.
const (
	histMinMicros = 1
	histMaxMicros = int64(time.Minute / time.Microsecond)
	histSigFigs   = 3
)

// Latency summarizes latency samples in microseconds.
type Latency struct {
	Samples int     `json:"samples" yaml:"samples"`
	Mean    float64 `json:"mean_us" yaml:"mean_us"`
	StdDev  float64 `json:"stddev_us" yaml:"stddev_us"`
	Min     float64 `json:"min_us" yaml:"min_us"`
	Median  float64 `json:"median_us" yaml:"median_us"`
	P90     float64 `json:"p90_us" yaml:"p90_us"`
	P99     float64 `json:"p99_us" yaml:"p99_us"`
	Max     float64 `json:"max_us" yaml:"max_us"`
	// Distribution holds the non-empty histogram buckets.
	Distribution []Bucket `json:"distribution,omitempty" yaml:"distribution,omitempty"`
}

// Bucket is one histogram bar.
type Bucket struct {
	From  int64 `json:"from_us" yaml:"from_us"`
	To    int64 `json:"to_us" yaml:"to_us"`
	Count int64 `json:"count" yaml:"count"`
}

// PhaseReport is the report of one phase.
type PhaseReport struct {
	Duration   time.Duration `json:"duration" yaml:"duration"`
	Writes     int           `json:"writes" yaml:"writes"`
	Reads      int           `json:"reads" yaml:"reads"`
	BytesOut   int64         `json:"bytes_out" yaml:"bytes_out"`
	BytesIn    int64         `json:"bytes_in" yaml:"bytes_in"`
	Throughput float64       `json:"throughput_bytes_per_sec" yaml:"throughput_bytes_per_sec"`
	Latency    *Latency      `json:"latency,omitempty" yaml:"latency,omitempty"`
}

// Report is the outcome of a replay run.
type Report struct {
	Session    string      `json:"session" yaml:"session"`
	Checkpoint int         `json:"checkpoint" yaml:"checkpoint"`
	Startup    PhaseReport `json:"startup" yaml:"startup"`
	Steady     PhaseReport `json:"steady" yaml:"steady"`
	Total      PhaseReport `json:"total" yaml:"total"`
}

// NewReport builds a report from the startup and steady results.
func NewReport(session string, checkpoint int, startup, steady Result) (*Report, error) {
	var total Result
	total.Add(startup)
	total.Add(steady)

	r := &Report{Session: session, Checkpoint: checkpoint}
	for _, p := range []struct {
		dst *PhaseReport
		res Result
	}{
		{&r.Startup, startup},
		{&r.Steady, steady},
		{&r.Total, total},
	} {
		pr, err := phaseReport(p.res)
		if err != nil {
			return nil, err
		}
		*p.dst = pr
	}
	return r, nil
}

func phaseReport(res Result) (PhaseReport, error) {
	pr := PhaseReport{
		Duration: res.Duration,
		Writes:   res.Writes,
		Reads:    res.Reads,
		BytesOut: res.BytesOut,
		BytesIn:  res.BytesIn,
	}
	if secs := res.Duration.Seconds(); secs > 0 {
		pr.Throughput = float64(res.BytesOut+res.BytesIn) / secs
	}
	if len(res.Latencies) == 0 {
		return pr, nil
	}
	lat, err := Summarize(res.Latencies)
	if err != nil {
		return pr, err
	}
	pr.Latency = lat
	return pr, nil
}

// Summarize computes statistics and a distribution of samples.
func Summarize(samples []time.Duration) (*Latency, error) {
	data := make(stats.Float64Data, len(samples))
	hist := hdrhistogram.New(histMinMicros, histMaxMicros, histSigFigs)
	for i, s := range samples {
		us := float64(s) / float64(time.Microsecond)
		data[i] = us
		v := int64(us)
		if v < histMinMicros {
			v = histMinMicros
		}
		if v > histMaxMicros {
			v = histMaxMicros
		}
		if err := hist.RecordValue(v); err != nil {
			return nil, errors.Wrapf(err, "record latency %v", s)
		}
	}

	var (
		l   = &Latency{Samples: len(samples)}
		err error
	)
	if l.Mean, err = stats.Mean(data); err != nil {
		return nil, errors.Wrap(err, "compute mean")
	}
	if l.StdDev, err = stats.StandardDeviation(data); err != nil {
		return nil, errors.Wrap(err, "compute standard deviation")
	}
	if l.Min, err = stats.Min(data); err != nil {
		return nil, errors.Wrap(err, "compute min")
	}
	if l.Median, err = stats.Median(data); err != nil {
		return nil, errors.Wrap(err, "compute median")
	}
	if l.P90, err = stats.Percentile(data, 90); err != nil {
		return nil, errors.Wrap(err, "compute p90")
	}
	if l.P99, err = stats.Percentile(data, 99); err != nil {
		return nil, errors.Wrap(err, "compute p99")
	}
	if l.Max, err = stats.Max(data); err != nil {
		return nil, errors.Wrap(err, "compute max")
	}

	for _, bar := range hist.Distribution() {
		if bar.Count == 0 {
			continue
		}
		l.Distribution = append(l.Distribution, Bucket{From: bar.From, To: bar.To, Count: bar.Count})
	}
	return l, nil
}

// Render writes the report to w as "json", "yaml" or "text".
func (r *Report) Render(w io.Writer, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(r), "encode json report")
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return errors.Wrap(err, "encode yaml report")
		}
		return errors.Wrap(enc.Close(), "encode yaml report")
	case "text":
		return r.renderText(w)
	default:
		return errors.Wrapf(ErrFormat, "%q", format)
	}
}

func (r *Report) renderText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "session %s, checkpoint %d\n", r.Session, r.Checkpoint); err != nil {
		return err
	}
	for _, p := range []struct {
		name string
		pr   PhaseReport
	}{
		{PhaseStartup, r.Startup},
		{PhaseSteady, r.Steady},
		{"total", r.Total},
	} {
		_, err := fmt.Fprintf(w, "%-8s %12v  %5d writes %5d reads  %10d bytes out %10d bytes in",
			p.name, p.pr.Duration, p.pr.Writes, p.pr.Reads, p.pr.BytesOut, p.pr.BytesIn)
		if err != nil {
			return err
		}
		if l := p.pr.Latency; l != nil {
			_, err = fmt.Fprintf(w, "  latency mean %.1fus p50 %.1fus p99 %.1fus", l.Mean, l.Median, l.P99)
			if err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}
