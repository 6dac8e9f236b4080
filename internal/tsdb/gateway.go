// Package tsdb is the TSDB Gateway: the pipeline's only point of contact
// with the time-series store. It translates between InfluxDB v2's query/
// write surface and the pipeline's own Window/FeatureSet types, so no other
// package needs to import the InfluxDB client.
package tsdb

import (
	"context"
	"fmt"
	"math"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"

	"github.com/scionresearch/bioprocess-pipeline/internal/config"
	"github.com/scionresearch/bioprocess-pipeline/internal/model"
	"github.com/scionresearch/bioprocess-pipeline/internal/perr"
)

// SeriesStore is the Gateway's contract, kept narrow enough that component
// tests can substitute an in-memory fake instead of a live InfluxDB.
type SeriesStore interface {
	ReadWindow(ctx context.Context, tag string, duration time.Duration) (model.Window, error)
	ReadAllWindows(ctx context.Context, tags []string, duration time.Duration) map[string]model.Window
	WriteFeatures(ctx context.Context, fs model.FeatureSet) error
	WritePrediction(ctx context.Context, value, lo, hi float64, ts time.Time) error
	Close()
}

// reverseAlias maps a canonical tag back to the raw field name the
// ingestion agent actually writes, when that tag is published under an
// alias. Tags absent here are written under their canonical name.
var reverseAlias = func() map[string]string {
	m := make(map[string]string, len(model.AliasToCanonical))
	for alias, canon := range model.AliasToCanonical {
		m[canon] = alias
	}
	return m
}()

func rawFieldName(canonicalTag string) string {
	if alias, ok := reverseAlias[canonicalTag]; ok {
		return alias
	}
	return canonicalTag
}

// Gateway implements SeriesStore against a live InfluxDB v2 instance.
type Gateway struct {
	client influxdb2.Client
	query  api.QueryAPI
	write  api.WriteAPIBlocking

	cfg    config.TSDBConfig
	vessel string
	logger *zap.Logger
}

// NewGateway constructs a Gateway bound to a single vessel.
func NewGateway(cfg config.TSDBConfig, vessel string, logger *zap.Logger) *Gateway {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Gateway{
		client: client,
		query:  client.QueryAPI(cfg.Org),
		write:  client.WriteAPIBlocking(cfg.Org, cfg.FeaturesBucket),
		cfg:    cfg,
		vessel: vessel,
		logger: logger,
	}
}

// ReadWindow returns ordered samples for tag over the trailing duration.
// An absent series yields an empty Window and a nil error; connectivity or
// auth failures are returned as a TransientIO perr.PipelineError.
func (g *Gateway) ReadWindow(ctx context.Context, tag string, duration time.Duration) (model.Window, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.QueryTimeout)
	defer cancel()

	field := rawFieldName(tag)
	flux := fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == "raw" and r.vessel == %q and r._field == %q)
  |> keep(columns: ["_time", "_value"])`,
		g.cfg.RawBucket, int64(duration.Seconds()), g.vessel, field)

	result, err := g.query.Query(ctx, flux)
	if err != nil {
		return model.Window{}, perr.Transient(err, fmt.Sprintf("tsdb query failed for tag %s", tag))
	}
	defer result.Close()

	win := model.Window{Tag: tag}
	for result.Next() {
		rec := result.Record()
		v, ok := rec.Value().(float64)
		if !ok {
			v = math.NaN()
		}
		win.Samples = append(win.Samples, model.Sample{Time: rec.Time(), Value: v})
	}
	if result.Err() != nil {
		return model.Window{}, perr.Transient(result.Err(), fmt.Sprintf("tsdb query iteration failed for tag %s", tag))
	}
	return win, nil
}

// ReadAllWindows fans ReadWindow out across tags. Per-tag failures are
// logged and yield an empty Window for that tag only — a single bad sensor
// must never fail the whole cycle.
func (g *Gateway) ReadAllWindows(ctx context.Context, tags []string, duration time.Duration) map[string]model.Window {
	out := make(map[string]model.Window, len(tags))
	for _, tag := range tags {
		win, err := g.ReadWindow(ctx, tag, duration)
		if err != nil {
			g.logger.Warn("window read failed, substituting empty window",
				zap.String("tag", tag), zap.Error(err))
			win = model.Window{Tag: tag}
		}
		out[tag] = win
	}
	return out
}

// WriteFeatures publishes one point per feature into the features bucket.
// NaN/infinite values are already excluded by FeatureSet.Set, but a defensive
// filter runs here too since a FeatureSet could in principle be built by hand.
func (g *Gateway) WriteFeatures(ctx context.Context, fs model.FeatureSet) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
	defer cancel()

	fields := make(map[string]interface{}, len(fs.Values))
	for name, v := range fs.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		fields[name] = v
	}
	if len(fields) == 0 {
		return nil
	}

	p := influxdb2.NewPoint("features", map[string]string{"vessel": g.vessel}, fields, fs.Timestamp)
	if err := g.write.WritePoint(ctx, p); err != nil {
		return perr.Transient(err, "tsdb feature write failed")
	}
	return nil
}

// WritePrediction publishes the reserved prediction slot.
func (g *Gateway) WritePrediction(ctx context.Context, value, lo, hi float64, ts time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
	defer cancel()

	fields := map[string]interface{}{
		"od_predicted":     value,
		"confidence_lower": lo,
		"confidence_upper": hi,
	}
	p := influxdb2.NewPoint("prediction", map[string]string{"vessel": g.vessel}, fields, ts)
	if err := g.write.WritePoint(ctx, p); err != nil {
		return perr.Transient(err, "tsdb prediction write failed")
	}
	return nil
}

// Close releases the underlying InfluxDB client.
func (g *Gateway) Close() {
	g.client.Close()
}
