package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/Sampath005/postgres-to-s3-sync/connectors/sources/postgres"
	"github.com/Sampath005/postgres-to-s3-sync/internal/replication"
	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
	"github.com/go-playground/validator/v10"
)

// EnvPrefix is prepended to every upper-cased key when reading the environment.
const EnvPrefix = "WALSINK"

const (
	DefaultSlot           = "walsink"
	DefaultIdleTimeout    = 10 * time.Second
	DefaultStatusInterval = replication.DefaultStatusInterval
	DefaultServiceName    = "walsink"
	DefaultWriteTimeout   = 30 * time.Second
)

// Config holds runtime settings for the consumer.
type Config struct {
	Postgres    PostgresConfig
	Sink        SinkConfig
	Checkpoints CheckpointConfig
	Telemetry   TelemetryConfig
}

type PostgresConfig struct {
	DSN            string        `config:"dsn" validate:"required"`
	Slot           string        `config:"slot" validate:"required"`
	CreateSlot     bool          `config:"create_slot"`
	Plugin         string        `config:"plugin" validate:"required"`
	PluginArgs     []string      `config:"plugin_args"`
	StartLSN       string        `config:"start_lsn"`
	StatusInterval time.Duration `config:"status_interval" validate:"gt=0"`
	IdleTimeout    time.Duration `config:"idle_timeout" validate:"gt=0"`
	Preflight      bool          `config:"preflight"`
	AWS            AWSConfig
}

// AWSConfig enables RDS IAM authentication for the source connection.
type AWSConfig struct {
	RDSIAM          bool   `config:"aws_rds_iam"`
	Region          string `config:"aws_region"`
	Profile         string `config:"aws_profile"`
	RoleARN         string `config:"aws_role_arn"`
	RoleSessionName string `config:"aws_role_session_name"`
	RoleExternalID  string `config:"aws_role_external_id"`
	Endpoint        string `config:"aws_endpoint"`
}

type SinkConfig struct {
	Type   string `config:"sink" validate:"oneof=file s3 kafka nats"`
	Format string `config:"format" validate:"omitempty,oneof=json yaml yml"`

	OutputDir string `config:"output_dir" validate:"required_if=Type file"`

	Bucket         string   `config:"bucket" validate:"required_if=Type s3"`
	Prefix         string   `config:"prefix"`
	Region         string   `config:"region"`
	Endpoint       string   `config:"endpoint" validate:"omitempty,url"`
	AccessKey      string   `config:"access_key" validate:"required_with=SecretKey"`
	SecretKey      string   `config:"secret_key" validate:"required_with=AccessKey"`
	SessionToken   string   `config:"session_token"`
	ForcePathStyle bool     `config:"force_path_style"`
	PartitionBy    []string `config:"partition_by" validate:"dive,oneof=table year month day hour"`
	Compression    string   `config:"compression"`

	Brokers     []string `config:"brokers" validate:"required_if=Type kafka"`
	TopicPrefix string   `config:"topic_prefix"`
	Acks        string   `config:"acks" validate:"omitempty,oneof=all leader none -1 0 1"`

	URL           string `config:"url"`
	SubjectPrefix string `config:"subject_prefix"`
	Stream        string `config:"stream"`

	WriteTimeout time.Duration `config:"write_timeout" validate:"gt=0"`
}

type CheckpointConfig struct {
	Backend string `config:"checkpoint_backend" validate:"oneof=none sqlite postgres"`
	DSN     string `config:"checkpoint_dsn" validate:"required_unless=Backend none"`
}

type TelemetryConfig struct {
	ServiceName string `config:"service_name"`
	LogLevel    string `config:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat   string `config:"log_format" validate:"omitempty,oneof=console json"`
}

// Lookup resolves one configuration key such as "dsn" or "output_dir".
type Lookup func(key string) (string, bool)

// EnvKey maps a configuration key to its environment variable name.
func EnvKey(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// EnvLookup reads keys from WALSINK_* environment variables.
func EnvLookup(key string) (string, bool) {
	return os.LookupEnv(EnvKey(key))
}

// Load loads config from WALSINK_* environment variables. Config files are
// read by the CLI and passed in through LoadFrom.
func Load() (*Config, error) {
	return LoadFrom(EnvLookup)
}

// LoadFrom builds a Config from lookup, applying defaults for unset keys.
func LoadFrom(lookup Lookup) (*Config, error) {
	if lookup == nil {
		lookup = EnvLookup
	}
	src := source{lookup: lookup}

	cfg := &Config{
		Postgres: PostgresConfig{
			DSN:            src.get("dsn", ""),
			Slot:           src.get("slot", DefaultSlot),
			CreateSlot:     src.getBool("create_slot", false),
			Plugin:         src.get("plugin", replication.DefaultPlugin),
			PluginArgs:     src.getCSV("plugin_args", ""),
			StartLSN:       src.get("start_lsn", ""),
			StatusInterval: src.getDuration("status_interval", DefaultStatusInterval),
			IdleTimeout:    src.getDuration("idle_timeout", DefaultIdleTimeout),
			Preflight:      src.getBool("preflight", true),
			AWS: AWSConfig{
				RDSIAM:          src.getBool("aws_rds_iam", false),
				Region:          src.get("aws_region", ""),
				Profile:         src.get("aws_profile", ""),
				RoleARN:         src.get("aws_role_arn", ""),
				RoleSessionName: src.get("aws_role_session_name", ""),
				RoleExternalID:  src.get("aws_role_external_id", ""),
				Endpoint:        src.get("aws_endpoint", ""),
			},
		},
		Sink: SinkConfig{
			Type:           src.getLower("sink", string(connector.EndpointFile)),
			Format:         src.getLower("format", "json"),
			OutputDir:      src.get("output_dir", "."),
			Bucket:         src.get("bucket", ""),
			Prefix:         src.get("prefix", ""),
			Region:         src.get("region", ""),
			Endpoint:       src.get("endpoint", ""),
			AccessKey:      src.get("access_key", ""),
			SecretKey:      src.get("secret_key", ""),
			SessionToken:   src.get("session_token", ""),
			ForcePathStyle: src.getBool("force_path_style", false),
			PartitionBy:    src.getLowerCSV("partition_by"),
			Compression:    src.get("compression", ""),
			Brokers:        src.getCSV("brokers", ""),
			TopicPrefix:    src.get("topic_prefix", "walsink."),
			Acks:           src.getLower("acks", "all"),
			URL:            src.get("url", ""),
			SubjectPrefix:  src.get("subject_prefix", "walsink."),
			Stream:         src.get("stream", ""),
			WriteTimeout:   src.getDuration("write_timeout", DefaultWriteTimeout),
		},
		Checkpoints: CheckpointConfig{
			Backend: src.getLower("checkpoint_backend", "none"),
			DSN:     src.get("checkpoint_dsn", ""),
		},
		Telemetry: TelemetryConfig{
			ServiceName: src.get("service_name", DefaultServiceName),
			LogLevel:    src.getLower("log_level", "info"),
			LogFormat:   src.getLower("log_format", "console"),
		},
	}
	if len(src.invalid) > 0 {
		return nil, fmt.Errorf("invalid config: %w", errors.Join(src.invalid...))
	}
	return cfg, nil
}

// Validate reports settings that would prevent the consumer from starting.
// Errors name the environment variable of the offending key.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, fieldError(fe))
		}
	}
	if c.Postgres.StartLSN != "" {
		if _, err := replication.ParsePosition(c.Postgres.StartLSN); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvKey("start_lsn"), err))
		}
	}
	if _, err := replication.PluginArgs(c.Postgres.PluginArgs); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", EnvKey("plugin_args"), err))
	}
	return errors.Join(errs...)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		if name := field.Tag.Get("config"); name != "" {
			return name
		}
		return field.Name
	})
	return v
}

func fieldError(fe validator.FieldError) error {
	key := EnvKey(fe.Field())
	switch fe.Tag() {
	case "required", "required_if", "required_unless", "required_with":
		return fmt.Errorf("%s is required", key)
	case "gt":
		return fmt.Errorf("%s must be positive", key)
	case "oneof":
		return fmt.Errorf("%s: unsupported value %q (expected one of %s)", key, fe.Value(), fe.Param())
	default:
		return fmt.Errorf("%s: invalid value %q (%s)", key, fmt.Sprint(fe.Value()), fe.Tag())
	}
}

// SinkSpec renders the sink settings as connector options.
func (c *Config) SinkSpec() (connector.Spec, error) {
	kind, err := connector.NormalizeEndpointType(c.Sink.Type)
	if err != nil {
		return connector.Spec{}, err
	}
	s := c.Sink
	options := map[string]string{"format": s.Format}
	switch kind {
	case connector.EndpointFile:
		options["output_dir"] = s.OutputDir
	case connector.EndpointS3:
		putNonEmpty(options, "bucket", s.Bucket)
		putNonEmpty(options, "prefix", s.Prefix)
		putNonEmpty(options, "region", s.Region)
		putNonEmpty(options, "endpoint", s.Endpoint)
		putNonEmpty(options, "access_key", s.AccessKey)
		putNonEmpty(options, "secret_key", s.SecretKey)
		putNonEmpty(options, "session_token", s.SessionToken)
		putNonEmpty(options, "compression", s.Compression)
		putNonEmpty(options, "partition_by", strings.Join(s.PartitionBy, ","))
		if s.ForcePathStyle {
			options["force_path_style"] = "true"
		}
	case connector.EndpointKafka:
		putNonEmpty(options, "brokers", strings.Join(s.Brokers, ","))
		options["topic_prefix"] = s.TopicPrefix
		putNonEmpty(options, "acks", s.Acks)
		putNonEmpty(options, "compression", s.Compression)
		options["write_timeout"] = s.WriteTimeout.String()
	case connector.EndpointNATS:
		putNonEmpty(options, "url", s.URL)
		options["subject_prefix"] = s.SubjectPrefix
		putNonEmpty(options, "stream", s.Stream)
		options["write_timeout"] = s.WriteTimeout.String()
	}
	return connector.Spec{Name: string(kind), Type: kind, Options: options}, nil
}

// ReplicationOptions converts the source settings for the session opener.
func (c *Config) ReplicationOptions() (replication.Options, error) {
	opts := replication.Options{
		Plugin:         c.Postgres.Plugin,
		CreateSlot:     c.Postgres.CreateSlot,
		StatusInterval: c.Postgres.StatusInterval,
	}
	if len(c.Postgres.PluginArgs) > 0 {
		args, err := replication.PluginArgs(c.Postgres.PluginArgs)
		if err != nil {
			return replication.Options{}, fmt.Errorf("plugin args: %w", err)
		}
		opts.PluginArgs = args
	}
	if c.Postgres.StartLSN != "" {
		pos, err := replication.ParsePosition(c.Postgres.StartLSN)
		if err != nil {
			return replication.Options{}, fmt.Errorf("parse start lsn: %w", err)
		}
		opts.StartPosition = pos
	}
	return opts, nil
}

// SourceOptions returns the source connection options understood by the
// postgres helpers (RDS IAM auth).
func (c *Config) SourceOptions() map[string]string {
	a := c.Postgres.AWS
	if !a.RDSIAM {
		return nil
	}
	options := map[string]string{postgres.OptAWSRDSIAM: "true"}
	putNonEmpty(options, postgres.OptAWSRegion, a.Region)
	putNonEmpty(options, postgres.OptAWSProfile, a.Profile)
	putNonEmpty(options, postgres.OptAWSRoleARN, a.RoleARN)
	putNonEmpty(options, postgres.OptAWSRoleSessionName, a.RoleSessionName)
	putNonEmpty(options, postgres.OptAWSRoleExternalID, a.RoleExternalID)
	putNonEmpty(options, postgres.OptAWSEndpoint, a.Endpoint)
	return options
}

func putNonEmpty(m map[string]string, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		m[key] = value
	}
}

type source struct {
	lookup  Lookup
	invalid []error
}

func (s *source) get(key, fallback string) string {
	if value, ok := s.lookup(key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

func (s *source) getLower(key, fallback string) string {
	return strings.ToLower(s.get(key, fallback))
}

func (s *source) getLowerCSV(key string) []string {
	out := s.getCSV(key, "")
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

func (s *source) getBool(key string, fallback bool) bool {
	if value, ok := s.lookup(key); ok {
		switch strings.TrimSpace(value) {
		case "1", "true", "TRUE", "True", "yes", "YES":
			return true
		case "0", "false", "FALSE", "False", "no", "NO":
			return false
		default:
			s.invalid = append(s.invalid, fmt.Errorf("%s: invalid boolean %q", key, value))
			return fallback
		}
	}
	return fallback
}

func (s *source) getDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := s.lookup(key); ok {
		value = strings.TrimSpace(value)
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		// Bare numbers are seconds.
		if secs, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
		s.invalid = append(s.invalid, fmt.Errorf("%s: invalid duration %q", key, value))
	}
	return fallback
}

func (s *source) getCSV(key, fallback string) []string {
	value := s.get(key, fallback)
	var out []string
	for _, part := range strings.Split(value, ",") {
		trim := strings.TrimSpace(part)
		if trim != "" {
			out = append(out, trim)
		}
	}
	return out
}
