package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
	"github.com/Sampath005/postgres-to-s3-sync/pkg/wire"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	optBucket       = "bucket"
	optPrefix       = "prefix"
	optRegion       = "region"
	optFormat       = "format"
	optCompression  = "compression"
	optPartitionBy  = "partition_by"
	optEndpoint     = "endpoint"
	optAccessKey    = "access_key"
	optSecretKey    = "secret_key"
	optSessionToken = "session_token"
	optPathStyle    = "force_path_style"
)

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Destination writes one object per record under <prefix>/<category>/.
type Destination struct {
	spec           connector.Spec
	bucket         string
	prefix         string
	compression    string
	partitions     []string
	endpoint       string
	forcePathStyle bool
	codec          wire.Codec
	uploader       uploader
	now            func() time.Time
}

func (d *Destination) Open(ctx context.Context, spec connector.Spec) error {
	d.spec = spec
	d.bucket = strings.TrimSpace(spec.Options[optBucket])
	if d.bucket == "" {
		return errors.New("s3 bucket is required")
	}
	d.prefix = strings.Trim(spec.Options[optPrefix], "/")
	d.compression = strings.ToLower(strings.TrimSpace(spec.Options[optCompression]))
	if d.compression != "" && d.compression != "gzip" {
		return fmt.Errorf("unsupported s3 compression %q", d.compression)
	}
	partitions, err := parsePartitionBy(spec.Options[optPartitionBy])
	if err != nil {
		return err
	}
	d.partitions = partitions
	d.endpoint = strings.TrimSpace(spec.Options[optEndpoint])
	d.forcePathStyle = parseBool(spec.Options[optPathStyle])
	if d.now == nil {
		d.now = time.Now
	}

	codec, err := wire.NewCodec(spec.Options[optFormat])
	if err != nil {
		return err
	}
	d.codec = codec

	if d.uploader != nil {
		return nil
	}

	loadOpts := []func(*config.LoadOptions) error{}
	region := strings.TrimSpace(spec.Options[optRegion])
	if region == "" && d.endpoint != "" {
		region = "us-east-1"
	}
	if region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	accessKey := strings.TrimSpace(spec.Options[optAccessKey])
	secretKey := strings.TrimSpace(spec.Options[optSecretKey])
	if accessKey != "" && secretKey != "" {
		creds := credentials.NewStaticCredentialsProvider(accessKey, secretKey, strings.TrimSpace(spec.Options[optSessionToken]))
		loadOpts = append(loadOpts, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if d.endpoint != "" {
			o.BaseEndpoint = aws.String(d.endpoint)
		}
		if d.forcePathStyle {
			o.UsePathStyle = true
		}
	})
	d.uploader = manager.NewUploader(client)
	return nil
}

func (d *Destination) Write(ctx context.Context, category connector.Category, record connector.Record) (connector.WriteAck, error) {
	if d.uploader == nil || d.codec == nil {
		return connector.WriteAck{}, &connector.WriteError{Category: category, Err: errors.New("s3 destination not initialized")}
	}
	if record.ObservedAt.IsZero() {
		record.ObservedAt = d.now()
	}

	ext := d.codec.Extension()
	if d.compression == "gzip" {
		ext += ".gz"
	}
	name := wire.UnitName(record.ObservedAt, ext)
	key := d.objectKey(category, record, name)
	ack := connector.WriteAck{Category: category, Name: name, Location: "s3://" + d.bucket + "/" + key}

	payload, err := d.codec.Encode(record.Document())
	if err != nil {
		return ack, &connector.WriteError{Category: category, Name: name, Err: err}
	}
	body, contentEncoding, err := d.prepareBody(payload)
	if err != nil {
		return ack, &connector.WriteError{Category: category, Name: name, Err: err}
	}

	contentType := d.codec.ContentType()
	input := &s3.PutObjectInput{
		Bucket:      &d.bucket,
		Key:         &key,
		Body:        body,
		ContentType: &contentType,
		Metadata: map[string]string{
			"operation": string(record.Operation),
			"schema":    record.Schema,
			"table":     record.Table,
		},
	}
	if contentEncoding != "" {
		input.ContentEncoding = &contentEncoding
	}

	if _, err := d.uploader.Upload(ctx, input); err != nil {
		return ack, &connector.WriteError{Category: category, Name: name, Err: fmt.Errorf("upload to s3: %w", err)}
	}
	return ack, nil
}

// Close is a no-op: every upload completes before Write returns.
func (d *Destination) Close(_ context.Context) error {
	return nil
}

func (d *Destination) objectKey(category connector.Category, record connector.Record, name string) string {
	parts := make([]string, 0, 5)
	if d.prefix != "" {
		parts = append(parts, d.prefix)
	}
	parts = append(parts, string(category))
	for _, partition := range d.partitions {
		switch partition {
		case "table":
			parts = append(parts, sanitizePartitionValue(qualifiedTable(record)))
		default:
			parts = append(parts, "dt="+formatTimeBucket(record.ObservedAt, partition))
		}
	}
	parts = append(parts, name)
	return path.Join(parts...)
}

func qualifiedTable(record connector.Record) string {
	switch {
	case record.Schema != "" && record.Table != "":
		return record.Schema + "." + record.Table
	case record.Table != "":
		return record.Table
	default:
		return "unknown"
	}
}

func (d *Destination) prepareBody(payload []byte) (io.Reader, string, error) {
	if d.compression == "gzip" {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(payload); err != nil {
			_ = gz.Close()
			return nil, "", fmt.Errorf("gzip: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, "", fmt.Errorf("gzip close: %w", err)
		}
		return bytes.NewReader(buf.Bytes()), "gzip", nil
	}
	return bytes.NewReader(payload), "", nil
}

// parsePartitionBy accepts "table" and one time bucket of the capture time
// (year, month, day or hour), comma separated.
func parsePartitionBy(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make([]string, 0, 2)
	bucket := ""
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		switch part {
		case "":
			continue
		case "table":
			out = append(out, part)
		case "year", "month", "day", "hour":
			if bucket != "" {
				return nil, fmt.Errorf("s3 partition allows one time bucket, got %q and %q", bucket, part)
			}
			bucket = part
			out = append(out, part)
		default:
			return nil, fmt.Errorf("unsupported s3 partition %q", part)
		}
	}
	return out, nil
}

func formatTimeBucket(value time.Time, bucket string) string {
	ts := value.UTC()
	switch bucket {
	case "year":
		return ts.Format("2006")
	case "month":
		return ts.Format("2006-01")
	case "day":
		return ts.Format("2006-01-02")
	default:
		return ts.Format("2006-01-02-15")
	}
}

func sanitizePartitionValue(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "null"
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "-")
	return replacer.Replace(value)
}

func parseBool(raw string) bool {
	if raw == "" {
		return false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return value
}
