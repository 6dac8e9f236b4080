// Package config provides configuration loading and validation for the
// bioprocess edge data-processing pipeline.
//
// Precedence: built-in defaults, overlaid by an optional YAML file, overlaid
// by PIPELINE_* environment variables. Environment always wins, so a deployed
// secret never has to be baked into the checked-in YAML.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (window/interval seconds, bounds ordering).
//   - Invalid config on startup: the process refuses to start (FatalConfig).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scionresearch/bioprocess-pipeline/internal/perr"
)

// SchemaVersion is the only config schema version this binary understands.
const SchemaVersion = "1"

// Config is the root configuration structure for the pipeline.
// All fields have defaults; see Defaults() for values.
type Config struct {
	SchemaVersion string `yaml:"schema_version"`

	// VesselID identifies the physical bioreactor this process serves.
	// Used as the vessel tag on every read/write and in alert topics.
	VesselID string `yaml:"vessel_id"`

	TSDB          TSDBConfig          `yaml:"tsdb"`
	Broker        BrokerConfig        `yaml:"broker"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Observability ObservabilityConfig `yaml:"observability"`

	// Bounds is the overridable physical-plausibility table, keyed by
	// canonical SensorTag name.
	Bounds map[string]Bounds `yaml:"physical_bounds"`
}

// TSDBConfig configures the InfluxDB v2 connection used by the Gateway.
type TSDBConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	Org   string `yaml:"org"`

	RawBucket        string `yaml:"raw_bucket"`
	FeaturesBucket   string `yaml:"features_bucket"`
	PredictionBucket string `yaml:"prediction_bucket"`

	// QueryTimeout and WriteTimeout bound a single call; both must be
	// shorter than Pipeline.ProcessingIntervalSeconds.
	QueryTimeout time.Duration `yaml:"query_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// BrokerConfig configures the MQTT alert channel.
type BrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// PipelineConfig configures window sizing, scheduling, and the stoichiometric
// constants used by the Feature Engineer.
type PipelineConfig struct {
	WindowSeconds             int `yaml:"window_seconds"`
	ProcessingIntervalSeconds int `yaml:"processing_interval_seconds"`

	// SamplePeriodSeconds is the nominal raw-sample period, 1.0 at 1 Hz.
	SamplePeriodSeconds float64 `yaml:"sample_period_seconds"`

	WorkingVolumeL       float64 `yaml:"working_volume_l"`
	StandardPressureBar  float64 `yaml:"standard_pressure_bar"`
	AirO2Fraction        float64 `yaml:"air_o2_fraction"`
}

// ObservabilityConfig holds metrics, control-surface, and logging parameters.
type ObservabilityConfig struct {
	// ControlAddr also serves /metrics; there is no separate metrics
	// address, since the Control Surface mounts /metrics itself (see
	// internal/control).
	ControlAddr string `yaml:"control_addr"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Bounds is a closed physical-plausibility interval for one sensor tag.
type Bounds struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Defaults returns a Config populated with all documented default values,
// including the physical_bounds table transcribed from the reference
// pipeline's tuning.
func Defaults() Config {
	return Config{
		SchemaVersion: SchemaVersion,
		VesselID:      "vessel-1",
		TSDB: TSDBConfig{
			URL:              "http://localhost:8086",
			Org:              "bioprocess",
			RawBucket:        "raw_1s",
			FeaturesBucket:   "features",
			PredictionBucket: "predictions",
			QueryTimeout:     10 * time.Second,
			WriteTimeout:     5 * time.Second,
		},
		Broker: BrokerConfig{
			Host:           "localhost",
			Port:           1883,
			ClientID:       "bioprocess-pipeline",
			ConnectTimeout: 10 * time.Second,
		},
		Pipeline: PipelineConfig{
			WindowSeconds:             30,
			ProcessingIntervalSeconds: 30,
			SamplePeriodSeconds:       1.0,
			WorkingVolumeL:            0.9,
			StandardPressureBar:       1.013,
			AirO2Fraction:             0.21,
		},
		Observability: ObservabilityConfig{
			ControlAddr: "0.0.0.0:8000",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Bounds: defaultBounds(),
	}
}

func defaultBounds() map[string]Bounds {
	return map[string]Bounds{
		"pH":                   {Min: 2.0, Max: 12.0},
		"DO":                   {Min: 0.0, Max: 120.0},
		"OD":                   {Min: 0.0, Max: 200.0},
		"Temp_Broth":           {Min: 15.0, Max: 45.0},
		"Temp_pH_Probe":        {Min: 15.0, Max: 45.0},
		"Temp_DO_Probe":        {Min: 15.0, Max: 45.0},
		"Temp_Stirrer_Motor":   {Min: 10.0, Max: 90.0},
		"Temp_Exhaust":         {Min: 10.0, Max: 60.0},
		"Gas_MFC_air":          {Min: 0.0, Max: 10.0},
		"Stir_SP":              {Min: 0.0, Max: 1500.0},
		"Stir_torque":          {Min: 0.0, Max: 100.0},
		"Reactor_Pressure":     {Min: 0.5, Max: 3.0},
		"Weight":               {Min: 0.0, Max: 50.0},
		"Heater_PID_out":       {Min: 0.0, Max: 100.0},
		"Base_Pump_Rate":       {Min: 0.0, Max: 50.0},
		"Off_Gas_CO2":          {Min: 0.0, Max: 20.0},
		"Off_Gas_O2":           {Min: 0.0, Max: 21.0},
		"Gas_Flow_Inlet":       {Min: 0.0, Max: 10.0},
		"Gas_Flow_Outlet":      {Min: 0.0, Max: 10.0},
	}
}

// Load reads and validates a config file, overlaying it on the defaults,
// then overlays PIPELINE_* environment variables, and validates the result.
// path may be empty, in which case only defaults and environment apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, perr.FatalConfig(fmt.Sprintf("config: read %q: %v", path, err))
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, perr.FatalConfig(fmt.Sprintf("config: parse %q: %v", path, err))
		}
	}

	applyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays PIPELINE_* environment variables over cfg. Only a subset
// of fields are exposed this way — the ones operators actually need to set
// per-deployment without checking a secret into the YAML file.
func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	intv := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	fl := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	str("PIPELINE_VESSEL_ID", &cfg.VesselID)

	str("PIPELINE_TSDB_URL", &cfg.TSDB.URL)
	str("PIPELINE_TSDB_TOKEN", &cfg.TSDB.Token)
	str("PIPELINE_TSDB_ORG", &cfg.TSDB.Org)
	str("PIPELINE_TSDB_RAW_BUCKET", &cfg.TSDB.RawBucket)
	str("PIPELINE_TSDB_FEATURES_BUCKET", &cfg.TSDB.FeaturesBucket)
	str("PIPELINE_TSDB_PREDICTION_BUCKET", &cfg.TSDB.PredictionBucket)

	str("PIPELINE_BROKER_HOST", &cfg.Broker.Host)
	intv("PIPELINE_BROKER_PORT", &cfg.Broker.Port)
	str("PIPELINE_BROKER_USERNAME", &cfg.Broker.Username)
	str("PIPELINE_BROKER_PASSWORD", &cfg.Broker.Password)

	intv("PIPELINE_WINDOW_SECONDS", &cfg.Pipeline.WindowSeconds)
	intv("PIPELINE_PROCESSING_INTERVAL_SECONDS", &cfg.Pipeline.ProcessingIntervalSeconds)
	fl("PIPELINE_WORKING_VOLUME_L", &cfg.Pipeline.WorkingVolumeL)
	fl("PIPELINE_STANDARD_PRESSURE_BAR", &cfg.Pipeline.StandardPressureBar)
	fl("PIPELINE_AIR_O2_FRACTION", &cfg.Pipeline.AirO2Fraction)

	str("PIPELINE_CONTROL_ADDR", &cfg.Observability.ControlAddr)
	str("PIPELINE_LOG_LEVEL", &cfg.Observability.LogLevel)
	str("PIPELINE_LOG_FORMAT", &cfg.Observability.LogFormat)
}

// Validate checks all config fields for correctness, accumulating every
// violation found rather than stopping at the first.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != SchemaVersion {
		errs = append(errs, fmt.Sprintf("schema_version must be %q, got %q", SchemaVersion, cfg.SchemaVersion))
	}
	if cfg.VesselID == "" {
		errs = append(errs, "vessel_id must not be empty")
	}
	if cfg.TSDB.URL == "" {
		errs = append(errs, "tsdb.url must not be empty")
	}
	if cfg.TSDB.Org == "" {
		errs = append(errs, "tsdb.org must not be empty")
	}
	if cfg.TSDB.RawBucket == "" || cfg.TSDB.FeaturesBucket == "" {
		errs = append(errs, "tsdb.raw_bucket and tsdb.features_bucket must not be empty")
	}
	if cfg.Pipeline.WindowSeconds < 1 {
		errs = append(errs, fmt.Sprintf("pipeline.window_seconds must be >= 1, got %d", cfg.Pipeline.WindowSeconds))
	}
	if cfg.Pipeline.ProcessingIntervalSeconds < 1 {
		errs = append(errs, fmt.Sprintf("pipeline.processing_interval_seconds must be >= 1, got %d", cfg.Pipeline.ProcessingIntervalSeconds))
	}
	if cfg.Pipeline.SamplePeriodSeconds <= 0 {
		errs = append(errs, fmt.Sprintf("pipeline.sample_period_seconds must be > 0, got %f", cfg.Pipeline.SamplePeriodSeconds))
	}
	if cfg.Pipeline.WorkingVolumeL <= 0 {
		errs = append(errs, fmt.Sprintf("pipeline.working_volume_l must be > 0, got %f", cfg.Pipeline.WorkingVolumeL))
	}
	if cfg.Pipeline.StandardPressureBar <= 0 {
		errs = append(errs, fmt.Sprintf("pipeline.standard_pressure_bar must be > 0, got %f", cfg.Pipeline.StandardPressureBar))
	}
	if cfg.Pipeline.AirO2Fraction <= 0 || cfg.Pipeline.AirO2Fraction >= 1 {
		errs = append(errs, fmt.Sprintf("pipeline.air_o2_fraction must be in (0, 1), got %f", cfg.Pipeline.AirO2Fraction))
	}
	if cfg.TSDB.QueryTimeout >= time.Duration(cfg.Pipeline.ProcessingIntervalSeconds)*time.Second {
		errs = append(errs, "tsdb.query_timeout must be shorter than pipeline.processing_interval_seconds")
	}
	if cfg.TSDB.WriteTimeout >= time.Duration(cfg.Pipeline.ProcessingIntervalSeconds)*time.Second {
		errs = append(errs, "tsdb.write_timeout must be shorter than pipeline.processing_interval_seconds")
	}
	for tag, b := range cfg.Bounds {
		if b.Min >= b.Max {
			errs = append(errs, fmt.Sprintf("physical_bounds[%s]: min (%f) must be < max (%f)", tag, b.Min, b.Max))
		}
	}

	if len(errs) > 0 {
		return perr.FatalConfig(fmt.Sprintf("config validation errors:\n  - %s", joinStrings(errs, "\n  - ")))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
