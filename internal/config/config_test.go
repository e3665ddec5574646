package config

import (
	"strings"
	"testing"
	"time"

	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
)

func mapLookup(values map[string]string) Lookup {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(mapLookup(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Postgres.Slot != DefaultSlot || cfg.Postgres.Plugin != "wal2json" {
		t.Fatalf("unexpected postgres defaults: %+v", cfg.Postgres)
	}
	if cfg.Postgres.IdleTimeout != 10*time.Second || cfg.Postgres.StatusInterval != 10*time.Second {
		t.Fatalf("unexpected intervals: %+v", cfg.Postgres)
	}
	if !cfg.Postgres.Preflight || cfg.Postgres.CreateSlot {
		t.Fatalf("unexpected flags: %+v", cfg.Postgres)
	}
	if cfg.Sink.Type != "file" || cfg.Sink.OutputDir != "." || cfg.Sink.Format != "json" {
		t.Fatalf("unexpected sink defaults: %+v", cfg.Sink)
	}
	if cfg.Checkpoints.Backend != "none" {
		t.Fatalf("unexpected checkpoint backend %q", cfg.Checkpoints.Backend)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("WALSINK_DSN", "postgres://localhost/app?replication=database")
	t.Setenv("WALSINK_SLOT", "orders_slot")
	t.Setenv("WALSINK_CREATE_SLOT", "true")
	t.Setenv("WALSINK_IDLE_TIMEOUT", "2.5")
	t.Setenv("WALSINK_SINK", "kafka")
	t.Setenv("WALSINK_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("WALSINK_PLUGIN_ARGS", "include-lsn=1,include-xids=0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Postgres.Slot != "orders_slot" || !cfg.Postgres.CreateSlot {
		t.Fatalf("unexpected postgres config: %+v", cfg.Postgres)
	}
	if cfg.Postgres.IdleTimeout != 2500*time.Millisecond {
		t.Fatalf("expected bare seconds to parse, got %s", cfg.Postgres.IdleTimeout)
	}
	if len(cfg.Sink.Brokers) != 2 || cfg.Sink.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Sink.Brokers)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	opts, err := cfg.ReplicationOptions()
	if err != nil {
		t.Fatalf("replication options: %v", err)
	}
	if len(opts.PluginArgs) != 2 || opts.PluginArgs[1] != `"include-xids" '0'` {
		t.Fatalf("unexpected plugin args %v", opts.PluginArgs)
	}
	if !opts.CreateSlot || opts.Plugin != "wal2json" {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	_, err := LoadFrom(mapLookup(map[string]string{
		"preflight":    "maybe",
		"idle_timeout": "soon",
	}))
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"preflight", "idle_timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		values map[string]string
		want   string
	}{
		{name: "missing dsn", values: map[string]string{}, want: "WALSINK_DSN"},
		{name: "empty slot", values: map[string]string{"dsn": "x", "slot": " "}, want: "WALSINK_SLOT"},
		{name: "unknown sink", values: map[string]string{"dsn": "x", "sink": "ftp"}, want: "WALSINK_SINK"},
		{name: "zero idle", values: map[string]string{"dsn": "x", "idle_timeout": "0s"}, want: "WALSINK_IDLE_TIMEOUT"},
		{name: "bad lsn", values: map[string]string{"dsn": "x", "start_lsn": "nope"}, want: "WALSINK_START_LSN"},
		{name: "bad plugin arg", values: map[string]string{"dsn": "x", "plugin_args": "pretty-print"}, want: "WALSINK_PLUGIN_ARGS"},
		{name: "checkpoint dsn", values: map[string]string{"dsn": "x", "checkpoint_backend": "sqlite"}, want: "WALSINK_CHECKPOINT_DSN"},
		{name: "unknown checkpoint backend", values: map[string]string{"dsn": "x", "checkpoint_backend": "redis"}, want: "WALSINK_CHECKPOINT_BACKEND"},
		{name: "s3 bucket", values: map[string]string{"dsn": "x", "sink": "s3"}, want: "WALSINK_BUCKET"},
		{name: "kafka brokers", values: map[string]string{"dsn": "x", "sink": "kafka", "brokers": " , "}, want: "WALSINK_BROKERS"},
		{name: "partition", values: map[string]string{"dsn": "x", "sink": "s3", "bucket": "b", "partition_by": "table,week"}, want: "WALSINK_PARTITION_BY"},
		{name: "zero write timeout", values: map[string]string{"dsn": "x", "write_timeout": "0"}, want: "WALSINK_WRITE_TIMEOUT"},
		{name: "half static credentials", values: map[string]string{"dsn": "x", "sink": "s3", "bucket": "b", "access_key": "AK"}, want: "WALSINK_SECRET_KEY"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadFrom(mapLookup(tc.values))
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSinkSpec(t *testing.T) {
	cfg, err := LoadFrom(mapLookup(map[string]string{
		"sink":             "S3",
		"bucket":           "cdc-bucket",
		"prefix":           "raw/",
		"partition_by":     "table,day",
		"force_path_style": "1",
		"format":           "yaml",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	spec, err := cfg.SinkSpec()
	if err != nil {
		t.Fatalf("sink spec: %v", err)
	}
	if spec.Type != connector.EndpointS3 {
		t.Fatalf("expected s3, got %s", spec.Type)
	}
	want := map[string]string{
		"bucket":           "cdc-bucket",
		"prefix":           "raw/",
		"partition_by":     "table,day",
		"force_path_style": "true",
		"format":           "yaml",
	}
	for k, v := range want {
		if spec.Options[k] != v {
			t.Fatalf("option %s: expected %q, got %q", k, v, spec.Options[k])
		}
	}
	if _, ok := spec.Options["output_dir"]; ok {
		t.Fatalf("file options leaked into s3 spec: %v", spec.Options)
	}
}

func TestSinkSpecCarriesWriteTimeout(t *testing.T) {
	cfg, err := LoadFrom(mapLookup(map[string]string{"sink": "kafka", "brokers": "k1:9092", "write_timeout": "5"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	spec, err := cfg.SinkSpec()
	if err != nil {
		t.Fatalf("sink spec: %v", err)
	}
	if spec.Options["write_timeout"] != "5s" {
		t.Fatalf("unexpected write timeout option %q", spec.Options["write_timeout"])
	}

	cfg, err = LoadFrom(mapLookup(map[string]string{"sink": "nats"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	spec, err = cfg.SinkSpec()
	if err != nil {
		t.Fatalf("sink spec: %v", err)
	}
	if spec.Options["write_timeout"] != "30s" {
		t.Fatalf("expected default write timeout, got %q", spec.Options["write_timeout"])
	}
}

func TestSourceOptions(t *testing.T) {
	cfg, err := LoadFrom(mapLookup(map[string]string{"aws_region": "us-east-1"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SourceOptions() != nil {
		t.Fatalf("expected no options while iam is disabled")
	}

	cfg, err = LoadFrom(mapLookup(map[string]string{"aws_rds_iam": "yes", "aws_region": "us-east-1"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	opts := cfg.SourceOptions()
	if opts["aws_rds_iam"] != "true" || opts["aws_region"] != "us-east-1" {
		t.Fatalf("unexpected options %v", opts)
	}
	if _, ok := opts["aws_profile"]; ok {
		t.Fatalf("empty values should be omitted: %v", opts)
	}
}
