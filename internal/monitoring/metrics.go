// Package monitoring exports pipeline metrics and watches the run ledger for
// unhealthy batches.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"

	"github.com/sells-group/cropsoil/internal/model"
	"github.com/sells-group/cropsoil/internal/soilfile"
)

const namespace = "cropsoil"

// Metrics holds the Prometheus counters and histograms for batch runs.
type Metrics struct {
	Units         *prometheus.CounterVec   // labels: stage, status
	UnitDuration  *prometheus.HistogramVec // labels: stage
	CroplandArea  *prometheus.CounterVec   // labels: type
	SoilFiles     *prometheus.CounterVec   // labels: source
	Downloads     *prometheus.CounterVec   // labels: outcome={ok,skipped,error}
	DownloadBytes prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		Units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Processed states and counties by stage and status.",
		}, []string{"stage", "status"}),
		UnitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Wall time spent on one state or county.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		}, []string{"stage"}),
		CroplandArea: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cropland_area_hectares_total",
			Help:      "Reported cropland area summed over counties.",
		}, []string{"type"}),
		SoilFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "soil_files_written_total",
			Help:      "Soil files written by property source.",
		}, []string{"source"}),
		Downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_requests_total",
			Help:      "SoilGrids coverage requests by outcome.",
		}, []string{"outcome"}),
		DownloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes of coverage GeoTIFF written.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Units, m.UnitDuration, m.CroplandArea, m.SoilFiles, m.Downloads, m.DownloadBytes}
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := newMetrics()
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, eris.Wrap(err, "monitoring: register metrics")
		}
	}
	return m, nil
}

// NewMetricsForTesting creates unregistered metrics so tests can build as
// many as they need.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

// ObserveUnit counts one unit outcome.
func (m *Metrics) ObserveUnit(o model.Outcome) {
	m.Units.WithLabelValues(string(o.Stage), string(o.Status)).Inc()
	if o.Duration > 0 {
		m.UnitDuration.WithLabelValues(string(o.Stage)).Observe(o.Duration.Seconds())
	}
}

// AddCroplandArea adds reported hectares for a land-use type.
func (m *Metrics) AddCroplandArea(typ string, ha float64) {
	if ha > 0 {
		m.CroplandArea.WithLabelValues(typ).Add(ha)
	}
}

// SoilFileWritten counts one soil file.
func (m *Metrics) SoilFileWritten(src soilfile.Source) {
	m.SoilFiles.WithLabelValues(string(src)).Inc()
}

// ObserveDownload counts one coverage request.
func (m *Metrics) ObserveDownload(outcome string, bytes int64) {
	m.Downloads.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		m.DownloadBytes.Add(float64(bytes))
	}
}

// WriteTextfile writes everything g gathers in the node-exporter textfile
// format.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return eris.Wrapf(err, "monitoring: write textfile %s", path)
	}
	return nil
}
