package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Sampath005/postgres-to-s3-sync/connectors/destinations/file"
	"github.com/Sampath005/postgres-to-s3-sync/connectors/destinations/kafka"
	natsdest "github.com/Sampath005/postgres-to-s3-sync/connectors/destinations/nats"
	"github.com/Sampath005/postgres-to-s3-sync/connectors/destinations/s3"
	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
)

func TestFactorySinkTypes(t *testing.T) {
	cases := []struct {
		kind connector.EndpointType
		want connector.Sink
	}{
		{"", &file.Destination{}},
		{connector.EndpointFile, &file.Destination{}},
		{connector.EndpointS3, &s3.Destination{}},
		{"KAFKA", &kafka.Destination{}},
		{connector.EndpointNATS, &natsdest.Destination{}},
	}
	for _, tc := range cases {
		sink, err := Factory{}.Sink(connector.Spec{Type: tc.kind})
		if err != nil {
			t.Fatalf("%q: %v", tc.kind, err)
		}
		if got, want := fmt.Sprintf("%T", sink), fmt.Sprintf("%T", tc.want); got != want {
			t.Fatalf("%q: expected %s, got %s", tc.kind, want, got)
		}
	}

	if _, err := (Factory{}).Sink(connector.Spec{Type: "ftp"}); err == nil {
		t.Fatalf("expected unsupported type error")
	}
}

func TestFactoryOverride(t *testing.T) {
	custom := &file.Destination{}
	f := Factory{Override: map[connector.EndpointType]func() connector.Sink{
		connector.EndpointS3: func() connector.Sink { return custom },
	}}
	sink, err := f.Sink(connector.Spec{Type: "s3"})
	if err != nil || sink != connector.Sink(custom) {
		t.Fatalf("expected override sink, got %T %v", sink, err)
	}
}

func TestFactoryOpenSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	sink, err := Factory{}.OpenSink(context.Background(), connector.Spec{
		Type:    connector.EndpointFile,
		Options: map[string]string{"output_dir": dir},
	})
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	defer sink.Close(context.Background())

	for _, category := range connector.Categories() {
		if info, err := os.Stat(filepath.Join(dir, string(category))); err != nil || !info.IsDir() {
			t.Fatalf("expected %s directory, err=%v", category, err)
		}
	}

	if _, err := (Factory{}).OpenSink(context.Background(), connector.Spec{Type: connector.EndpointS3}); err == nil {
		t.Fatalf("expected s3 without bucket to fail")
	}
}
