package logparser

import (
	"fmt"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"
)

// strftimeLayouts are converted once, at init, from strftime-style directives
// to Go reference-time layouts via ncruces/go-strftime's Layout() — the same
// library the teacher pulls in transitively through its sqlite driver, here
// exercised directly to describe the four timestamp shapes in spec.md §4.1:
//   dd/Mon/yyyy:HH:MM:SS (optionally with ±hhmm)
//   yyyy-MM-dd HH:MM:SS
//   dd/Mon/yyyy HH:MM:SS
//   yyyy-MM-ddTHH:MM:SS
var strftimeFormats = []string{
	"%d/%b/%Y:%H:%M:%S %z",
	"%d/%b/%Y:%H:%M:%S",
	"%Y-%m-%d %H:%M:%S",
	"%d/%b/%Y %H:%M:%S",
	"%Y-%m-%dT%H:%M:%S",
}

var goLayouts []string

func init() {
	for _, f := range strftimeFormats {
		layout, err := strftime.Layout(f)
		if err != nil {
			// Layout() only fails on directives go-strftime doesn't know;
			// all of ours are supported, so this would be a programmer error.
			panic(fmt.Sprintf("logparser: bad strftime format %q: %v", f, err))
		}
		goLayouts = append(goLayouts, layout)
	}
}

// ParseTimestamp accepts any of the four shapes in spec.md §4.1 and always
// normalizes to UTC. Returns an error if none of the layouts match.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	var lastErr error
	for _, layout := range goLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, fmt.Errorf("logparser: unrecognized timestamp %q: %w", raw, lastErr)
}
