// Package monitoring is the Monitoring component: Prometheus metrics plus
// MQTT alert evaluation and publication, run on every cycle after features
// are written.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/scionresearch/bioprocess-pipeline/internal/config"
	"github.com/scionresearch/bioprocess-pipeline/internal/model"
)

const alertTopicFormat = "bioprocess/pichia/%s/alarms/%s"

// alertQoS is the MQTT quality of service level alerts are published at.
const alertQoS = 1

// Alert thresholds from the monitoring design.
const (
	missingCountWarnThreshold = 15
	muNegative                = 0.0
	muUnrealistic             = 0.5
	rqLowerBound              = 0.5
	rqUpperBound              = 1.5
	motorTempWarnThreshold    = 70.0
)

// Monitor owns the dedicated Prometheus registry and the MQTT alert
// publisher for one vessel.
type Monitor struct {
	registry *prometheus.Registry

	cyclesTotal        prometheus.Counter
	cycleFailuresTotal prometheus.Counter
	cycleDuration      prometheus.Histogram

	sensorMissingTotal  *prometheus.CounterVec
	sensorOutliersTotal *prometheus.CounterVec
	sensorInvalidTotal  *prometheus.CounterVec
	sensorQualityScore  *prometheus.GaugeVec
	sensorCompleteness  *prometheus.GaugeVec

	featureValue *prometheus.GaugeVec
	alertsTotal  *prometheus.CounterVec

	mqttClient mqtt.Client
	vessel     string
	logger     *zap.Logger
}

// NewMonitor constructs a Monitor and connects its MQTT client. The caller
// owns the returned Monitor's lifetime; Close disconnects the broker client.
func NewMonitor(cfg config.BrokerConfig, vessel string, logger *zap.Logger) (*Monitor, error) {
	reg := prometheus.NewRegistry()

	m := &Monitor{
		registry: reg,
		vessel:   vessel,
		logger:   logger,

		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bioprocess",
			Subsystem: "pipeline",
			Name:      "cycles_total",
			Help:      "Total processing cycles completed successfully.",
		}),
		cycleFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bioprocess",
			Subsystem: "pipeline",
			Name:      "cycle_failures_total",
			Help:      "Total processing cycles that failed end to end.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bioprocess",
			Subsystem: "pipeline",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of a full fetch-clean-engineer-write-monitor cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		sensorMissingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bioprocess",
			Subsystem: "sensor",
			Name:      "missing_total",
			Help:      "Total missing samples observed, by tag.",
		}, []string{"tag"}),
		sensorOutliersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bioprocess",
			Subsystem: "sensor",
			Name:      "outliers_total",
			Help:      "Total outlier samples clipped, by tag.",
		}, []string{"tag"}),
		sensorInvalidTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bioprocess",
			Subsystem: "sensor",
			Name:      "invalid_total",
			Help:      "Total out-of-bounds samples marked NaN, by tag.",
		}, []string{"tag"}),
		sensorQualityScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bioprocess",
			Subsystem: "sensor",
			Name:      "quality_score",
			Help:      "Per-cycle quality score in [0, 100], by tag.",
		}, []string{"tag"}),
		sensorCompleteness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bioprocess",
			Subsystem: "sensor",
			Name:      "completeness",
			Help:      "1 if the tag met the 90% completeness bar this cycle, else 0.",
		}, []string{"tag"}),
		featureValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bioprocess",
			Subsystem: "feature",
			Name:      "value",
			Help:      "Current value of each published feature, by feature name.",
		}, []string{"feature"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bioprocess",
			Subsystem: "pipeline",
			Name:      "alerts_total",
			Help:      "Total alerts emitted, by level and category.",
		}, []string{"level", "category"}),
	}

	reg.MustRegister(
		m.cyclesTotal,
		m.cycleFailuresTotal,
		m.cycleDuration,
		m.sensorMissingTotal,
		m.sensorOutliersTotal,
		m.sensorInvalidTotal,
		m.sensorQualityScore,
		m.sensorCompleteness,
		m.featureValue,
		m.alertsTotal,
	)

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(cfg.ConnectTimeout) && token.Error() != nil {
		return nil, token.Error()
	}
	m.mqttClient = client

	return m, nil
}

// Registry exposes the dedicated Prometheus registry for the Control
// Surface's /metrics route.
func (m *Monitor) Registry() *prometheus.Registry { return m.registry }

// Close disconnects the MQTT client.
func (m *Monitor) Close() {
	if m.mqttClient != nil && m.mqttClient.IsConnected() {
		m.mqttClient.Disconnect(250)
	}
}

// ObserveCycleDuration records one cycle's wall-clock duration.
func (m *Monitor) ObserveCycleDuration(d time.Duration) {
	m.cycleDuration.Observe(d.Seconds())
}

// RecordCycleFailure increments the cycle-failure counter. Called when a
// cycle fails end to end (e.g. the feature write errors).
func (m *Monitor) RecordCycleFailure() {
	m.cycleFailuresTotal.Inc()
}

// RecordCycle folds one cycle's QualityReports, completeness flags, and
// FeatureSet into the Prometheus collectors.
func (m *Monitor) RecordCycle(reports map[string]model.QualityReport, completeness map[string]bool, fs model.FeatureSet) {
	m.cyclesTotal.Inc()

	for tag, report := range reports {
		m.sensorMissingTotal.WithLabelValues(tag).Add(float64(report.MissingCount))
		m.sensorOutliersTotal.WithLabelValues(tag).Add(float64(report.OutliersClipped))
		m.sensorInvalidTotal.WithLabelValues(tag).Add(float64(report.InvalidCount))
		m.sensorQualityScore.WithLabelValues(tag).Set(QualityScore(report))
		if complete, ok := completeness[tag]; ok {
			v := 0.0
			if complete {
				v = 1.0
			}
			m.sensorCompleteness.WithLabelValues(tag).Set(v)
		}
	}

	for name, v := range fs.Values {
		m.featureValue.WithLabelValues(name).Set(v)
	}
}

// QualityScore implements the per-sensor quality score formula:
// max(0, 100 - 2*missing - 1*outliers - 5*invalids).
func QualityScore(r model.QualityReport) float64 {
	score := 100.0 - 2.0*float64(r.MissingCount) - float64(r.OutliersClipped) - 5.0*float64(r.InvalidCount)
	if score < 0 {
		return 0
	}
	return score
}

// alertPayload is the JSON body published to the alert channel.
type alertPayload struct {
	Timestamp string            `json:"timestamp"`
	Level     string            `json:"level"`
	Category  string            `json:"category"`
	Message   string            `json:"message"`
	Vessel    string            `json:"vessel"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// EvaluateAlerts runs the fixed rule set against this cycle's QualityReports
// and FeatureSet, publishing one alert per triggering condition. Evaluation
// is gated (each rule independently checked) and idempotent per cycle — the
// same condition triggers exactly once per ProcessWindow call, with no
// cross-cycle suppression.
func (m *Monitor) EvaluateAlerts(ctx context.Context, vessel string, reports map[string]model.QualityReport, fs model.FeatureSet) {
	now := fs.Timestamp

	for tag, report := range reports {
		if report.Alarm != "" {
			m.publish(ctx, now, "error", "data_quality", report.Alarm, vessel, map[string]string{"tag": tag})
		}
		if report.MissingCount > missingCountWarnThreshold {
			m.publish(ctx, now, "warning", "missing_data",
				fmt.Sprintf("%s: %d missing samples this cycle", tag, report.MissingCount), vessel,
				map[string]string{"tag": tag})
		}
		if report.InvalidCount > 0 {
			m.publish(ctx, now, "critical", "sensor_failure",
				fmt.Sprintf("%s: %d out-of-bounds samples this cycle", tag, report.InvalidCount), vessel,
				map[string]string{"tag": tag})
		}
	}

	if mu, ok := fs.Values["mu"]; ok {
		if mu < muNegative {
			m.publish(ctx, now, "warning", "process_anomaly", "negative growth rate", vessel, map[string]string{"mu": fmt.Sprintf("%f", mu)})
		} else if mu > muUnrealistic {
			m.publish(ctx, now, "warning", "process_anomaly", "unrealistic growth rate", vessel, map[string]string{"mu": fmt.Sprintf("%f", mu)})
		}
	}

	if rq, ok := fs.Values["RQ"]; ok {
		if rq < rqLowerBound || rq > rqUpperBound {
			m.publish(ctx, now, "info", "metabolic_shift", "respiratory quotient outside expected range", vessel, map[string]string{"rq": fmt.Sprintf("%f", rq)})
		}
	}

	if motorTemp, ok := fs.Values["motor_temp"]; ok && motorTemp > motorTempWarnThreshold {
		m.publish(ctx, now, "warning", "equipment_warning", "stirrer motor temperature high", vessel, map[string]string{"motor_temp": fmt.Sprintf("%f", motorTemp)})
	}
}

// publish builds and sends one alert payload, counting it regardless of
// publish success so operators can see attempted-vs-delivered from the
// Prometheus counter plus broker-side logs.
func (m *Monitor) publish(ctx context.Context, ts time.Time, level, category, message, vessel string, metadata map[string]string) {
	m.alertsTotal.WithLabelValues(level, category).Inc()

	payload := alertPayload{
		Timestamp: ts.UTC().Format(time.RFC3339),
		Level:     level,
		Category:  category,
		Message:   message,
		Vessel:    vessel,
		Metadata:  metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("alert payload marshal failed", zap.Error(err))
		return
	}

	topic := fmt.Sprintf(alertTopicFormat, vessel, category)
	token := m.mqttClient.Publish(topic, alertQoS, false, body)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			m.logger.Warn("alert publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}()

	m.logger.Info("alert emitted", zap.String("category", category), zap.String("level", level), zap.String("topic", topic))
}
