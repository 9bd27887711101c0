package history

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/swarmflow/internal/pool"
)

// Format is an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts "json" or "csv" in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// CSVHeader is the first line of a CSV export.
var CSVHeader = []string{"id", "timestamp", "durationMs", "status", "errorType", "step"}

// timestampLayout is ISO-8601 in UTC with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Export encodes the whole log. CSV fields that contain a comma, a double
// quote or a line break are wrapped in double quotes and internal quotes are
// doubled, so splitting on commas outside quotes restores every field.
func (h *History) Export(format Format) (string, error) {
	recs := h.Records()
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(recs, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode history: %w", err)
		}
		return string(data), nil
	case FormatCSV:
		return encodeCSV(recs)
	default:
		return "", fmt.Errorf("unsupported export format %q", format)
	}
}

func encodeCSV(recs []ExecutionRecord) (string, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	w := csv.NewWriter(buf)
	if err := w.Write(CSVHeader); err != nil {
		return "", err
	}
	for _, r := range recs {
		step := ""
		if r.Kind == KindStep {
			step = r.Step()
		}
		row := []string{
			r.ID,
			r.Timestamp.UTC().Format(timestampLayout),
			strconv.FormatInt(r.DurationMs, 10),
			string(r.Status),
			r.ErrorType,
			step,
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("encode history csv: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// ParseTimestamp parses a timestamp written by Export.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}
