package wire

import (
	"strings"
	"time"

	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
	"github.com/google/uuid"
)

// UnitName returns a per-write unique name: the capture timestamp followed by a
// random disambiguator, so two records captured in the same instant never collide.
func UnitName(observedAt time.Time, ext string) string {
	name := connector.FormatTimestamp(observedAt) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if ext == "" {
		return name
	}
	return name + "." + ext
}
