package providers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	otelprom "go.opentelemetry.io/otel/exporters/metric/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"

	"go.od2.network/jobcore/pkg/reporter"
)

// Config keys.
const (
	ConfReporterInterval  = "reporter.interval"
	ConfMetricsListenAddr = "metrics.listen_addr"
)

func init() {
	viper.SetDefault(ConfReporterInterval, 3*time.Second)
	viper.SetDefault(ConfMetricsListenAddr, ":9090")
}

// SetupPrometheus configures the OpenTelemetry Prometheus exporter and
// returns its HTTP handler, mirroring the teacher's
// cmd/providers/metrics.go SetupPrometheus (minus the go-metrics bridge,
// since jobcore has no legacy rcrowley/go-metrics instrumentation to
// forward).
func SetupPrometheus() (http.Handler, error) {
	exporter, err := otelprom.NewExportPipeline(otelprom.Config{
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build OpenTelemetry Prometheus exporter: %w", err)
	}
	global.SetMeterProvider(exporter.MeterProvider())
	return exporter, nil
}

// NewReporterMetrics registers pkg/reporter's instruments against m.
func NewReporterMetrics(m metric.Meter) (*reporter.Metrics, error) {
	return reporter.NewMetrics(m)
}

// NewReporterInterval reads reporter.interval from viper.
func NewReporterInterval() time.Duration {
	d := viper.GetDuration(ConfReporterInterval)
	if d <= 0 {
		return reporter.DefaultInterval
	}
	return d
}

// MetricsListenAddr reads metrics.listen_addr from viper.
func MetricsListenAddr() string {
	return viper.GetString(ConfMetricsListenAddr)
}
