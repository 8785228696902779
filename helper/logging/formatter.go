// Package logging holds the logrus formatter used by gossipmesh.
package logging

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// ElapsedFormatter prefixes every entry with the time elapsed since Start,
// as hh:mm:ss. The rest of the line is rendered by Inner.
type ElapsedFormatter struct {
	Start time.Time
	Inner log.Formatter
}

// NewElapsedFormatter returns a formatter counting from start, rendering
// entries with a timestamp-less TextFormatter.
func NewElapsedFormatter(start time.Time) *ElapsedFormatter {
	return &ElapsedFormatter{
		Start: start,
		Inner: &log.TextFormatter{DisableTimestamp: true},
	}
}

func (f *ElapsedFormatter) Format(entry *log.Entry) ([]byte, error) {
	inner, err := f.Inner.Format(entry)
	if err != nil {
		return nil, err
	}

	prefix := FormatElapsed(entry.Time.Sub(f.Start))
	return append([]byte(prefix+" "), inner...), nil
}

// FormatElapsed renders d as hh:mm:ss. Negative durations render as zero.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}
