// Package logparser turns one line of the proxy's combined access log into
// a normalized LogEntry, per spec.md §4.1 and §6. It accepts both the
// lancache-prefixed shape ("[service] ip ...") and the plain combined-log
// shape.
package logparser

import (
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CacheStatus is one of the enumerated cache outcomes in spec.md §3.
type CacheStatus string

const (
	StatusHit          CacheStatus = "HIT"
	StatusMiss         CacheStatus = "MISS"
	StatusExpired      CacheStatus = "EXPIRED"
	StatusUpdating     CacheStatus = "UPDATING"
	StatusStale        CacheStatus = "STALE"
	StatusBypass       CacheStatus = "BYPASS"
	StatusRevalidated  CacheStatus = "REVALIDATED"
	StatusUnknown      CacheStatus = "UNKNOWN"
)

// LogEntry is the ingest-time-only parsed representation of one log line.
type LogEntry struct {
	Timestamp   time.Time // always UTC
	ClientIP    string
	Service     string // lowercased token, or "unknown"
	URL         string
	StatusCode  int
	BytesServed int64 // >= 0; 0 if "-"
	CacheStatus CacheStatus
	DepotID     *uint32 // only for service=="steam", and not /filestreamingservice/

	// TimestampFallback is true when the timestamp could not be parsed and
	// wall-clock time was substituted (spec.md §4.1 "Timestamp"). The caller
	// should log a warning but must not count this as a rejected line.
	TimestampFallback bool
}

// line matches either:
//   [service] ip ident user ... [time] "METHOD url HTTP/x" status bytes "ref" "ua" "cache" "host" ...
// or the same with the leading "[service]" omitted. Any number of
// whitespace-separated fields (typically "-") may sit between ip and [time].
var lineRe = regexp.MustCompile(
	`^(?:\[(?P<svc>[^\]]*)\]\s+)?` +
		`(?P<ip>\S+)(?:\s+[^\s\[]\S*)*\s+` +
		`\[(?P<time>[^\]]+)\]\s+` +
		`"(?P<method>\S+)\s+(?P<url>\S+)\s+\S+"\s+` +
		`(?P<status>\d+)\s+(?P<bytes>\S+)` +
		`(?:\s+"(?P<ref>[^"]*)")?` +
		`(?:\s+"(?P<ua>[^"]*)")?` +
		`(?:\s+"(?P<cache>[^"]*)")?` +
		`(?:\s+"(?P<host>[^"]*)")?`,
)

// ErrParse is a sentinel wrapper identifying a rejected line.
type ErrParse struct {
	Line   string
	Reason string
}

func (e *ErrParse) Error() string { return "logparser: " + e.Reason + ": " + e.Line }

// Parse parses a single log line. Heartbeat lines and tiny localhost lines
// (spec.md §6) are reported via the skip=true return so the caller
// can distinguish "drop silently" from "count as a parse failure".
func Parse(line string) (entry LogEntry, skip bool, err error) {
	trimmed := strings.TrimRight(line, "\r\n")
	if trimmed == "" {
		return LogEntry{}, true, nil
	}
	if strings.Contains(trimmed, "lancache-heartbeat") {
		return LogEntry{}, true, nil
	}

	m := lineRe.FindStringSubmatch(trimmed)
	if m == nil {
		return LogEntry{}, false, &ErrParse{Line: trimmed, Reason: "no match"}
	}
	groups := namedGroups(lineRe, m)

	svcRaw := groups["svc"]
	ip := groups["ip"]
	service := normalizeService(svcRaw, ip)

	ts, tsErr := ParseTimestamp(groups["time"])
	// On total timestamp failure: use wall-clock now, but still emit the line
	// (caller logs the warning); spec.md §4.1 "Timestamp".
	tsFallback := tsErr != nil
	if tsFallback {
		ts = time.Now().UTC()
	}

	status, statusErr := strconv.Atoi(groups["status"])
	if statusErr != nil {
		return LogEntry{}, false, &ErrParse{Line: trimmed, Reason: "bad status code"}
	}

	bytesStr := groups["bytes"]
	var bytesServed int64
	if bytesStr != "-" && bytesStr != "" {
		b, bErr := strconv.ParseInt(bytesStr, 10, 64)
		if bErr != nil || b < 0 {
			return LogEntry{}, false, &ErrParse{Line: trimmed, Reason: "bad byte count"}
		}
		bytesServed = b
	}

	cache := groups["cache"]
	cacheStatus := StatusUnknown
	if cache != "" && cache != "-" {
		cacheStatus = CacheStatus(strings.ToUpper(cache))
	}

	url := groups["url"]

	entry = LogEntry{
		Timestamp:   ts,
		ClientIP:    ip,
		Service:     service,
		URL:         url,
		StatusCode:  status,
		BytesServed: bytesServed,
		CacheStatus: cacheStatus,
		TimestampFallback: tsFallback,
	}

	if depot, ok := ExtractDepotID(service, url); ok {
		entry.DepotID = &depot
	}

	// Localhost + tiny bytes is dropped as noise, per spec.md §6.
	if ip == "127.0.0.1" && bytesServed < 1000 {
		return LogEntry{}, true, nil
	}

	return entry, false, nil
}

func normalizeService(raw, ip string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || looksLikeIP(raw) {
		return "unknown"
	}
	return strings.ToLower(raw)
}

func looksLikeIP(s string) bool {
	return net.ParseIP(s) != nil
}

// depotRe matches the first /depot/<digits> segment of a URL.
var depotRe = regexp.MustCompile(`/depot/(\d+)`)

// ExtractDepotID implements spec.md §8 property 5: depot_id(u) is defined
// iff service=="steam", u contains /depot/ followed by digits, and u does not contain
// /filestreamingservice/.
func ExtractDepotID(service, url string) (uint32, bool) {
	if service != "steam" {
		return 0, false
	}
	if strings.Contains(url, "/filestreamingservice/") {
		return 0, false
	}
	m := depotRe.FindStringSubmatch(url)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

func namedGroups(re *regexp.Regexp, match []string) map[string]string {
	out := make(map[string]string, len(match))
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		out[name] = match[i]
	}
	return out
}
