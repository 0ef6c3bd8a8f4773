package cli

import (
	"io"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
)

// logReporter is a tally reporter that writes every report as a log entry.
type logReporter struct {
	log *zap.Logger
}

var _ tally.StatsReporter = logReporter{}

// newMetricsScope returns a scope reporting to log every interval, or the
// no-op scope when interval is zero.
func newMetricsScope(log *zap.Logger, interval time.Duration) (tally.Scope, io.Closer) {
	if interval <= 0 {
		return tally.NoopScope, io.NopCloser(nil)
	}

	return tally.NewRootScope(tally.ScopeOptions{
		Prefix:    "mediadb",
		Separator: ".",
		Reporter:  logReporter{log: log.Named("metrics")},
	}, interval)
}

func (r logReporter) Reporting() bool { return true }

func (r logReporter) Tagging() bool { return true }

func (r logReporter) Capabilities() tally.Capabilities { return r }

func (r logReporter) Flush() {}

func (r logReporter) ReportCounter(name string, tags map[string]string, value int64) {
	r.log.Info(name, zap.Any("tags", tags), zap.Int64("count", value))
}

func (r logReporter) ReportGauge(name string, tags map[string]string, value float64) {
	r.log.Info(name, zap.Any("tags", tags), zap.Float64("gauge", value))
}

func (r logReporter) ReportTimer(name string, tags map[string]string, interval time.Duration) {
	r.log.Info(name, zap.Any("tags", tags), zap.Duration("timer", interval))
}

func (r logReporter) ReportHistogramValueSamples(name string, tags map[string]string, _ tally.Buckets, lower, upper float64, samples int64) {
	r.log.Info(name, zap.Any("tags", tags), zap.Float64("lower", lower), zap.Float64("upper", upper), zap.Int64("samples", samples))
}

func (r logReporter) ReportHistogramDurationSamples(name string, tags map[string]string, _ tally.Buckets, lower, upper time.Duration, samples int64) {
	r.log.Info(name, zap.Any("tags", tags), zap.Duration("lower", lower), zap.Duration("upper", upper), zap.Int64("samples", samples))
}
