package logparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_S1SingleHitSteam(t *testing.T) {
	line := `[steam] 10.0.0.5 - - - [22/Aug/2025:22:30:06 +0000] "GET /depot/835575/chunk/abc HTTP/1.1" 200 524288 "-" "Valve/Steam" "HIT" "cache.steamcontent.com" "-"`

	entry, skip, err := Parse(line)
	require.NoError(t, err)
	require.False(t, skip)

	assert.Equal(t, "steam", entry.Service)
	assert.Equal(t, "10.0.0.5", entry.ClientIP)
	assert.Equal(t, int64(524288), entry.BytesServed)
	assert.Equal(t, StatusHit, entry.CacheStatus)
	require.NotNil(t, entry.DepotID)
	assert.Equal(t, uint32(835575), *entry.DepotID)
	assert.Equal(t, "UTC", entry.Timestamp.Location().String())
}

func TestParse_S4FilestreamingServiceNoDepot(t *testing.T) {
	line := `[steam] 10.0.0.6 - - - [22/Aug/2025:22:31:00 +0000] "GET /filestreamingservice/files/abc HTTP/1.1" 200 2048 "-" "Valve/Steam" "MISS" "cache.steamcontent.com" "-"`

	entry, skip, err := Parse(line)
	require.NoError(t, err)
	require.False(t, skip)
	assert.Nil(t, entry.DepotID)
	assert.Equal(t, StatusMiss, entry.CacheStatus)
}

func TestParse_UnknownServiceWhenPrefixIsIP(t *testing.T) {
	line := `10.0.0.1 - - - [22/Aug/2025:22:30:06 +0000] "GET /foo HTTP/1.1" 200 100 "-" "-" "MISS" "-" "-"`
	entry, skip, err := Parse(line)
	require.NoError(t, err)
	require.False(t, skip)
	assert.Equal(t, "unknown", entry.Service)
}

func TestParse_HeartbeatDropped(t *testing.T) {
	_, skip, err := Parse(`lancache-heartbeat some filler text`)
	require.NoError(t, err)
	assert.True(t, skip)
}

func TestParse_LocalhostTinyBytesDropped(t *testing.T) {
	line := `[steam] 127.0.0.1 - - - [22/Aug/2025:22:30:06 +0000] "GET /depot/1/chunk/a HTTP/1.1" 200 10 "-" "-" "HIT" "-" "-"`
	_, skip, err := Parse(line)
	require.NoError(t, err)
	assert.True(t, skip)
}

func TestParse_DashBytesIsZero(t *testing.T) {
	line := `[steam] 10.0.0.2 - - - [22/Aug/2025:22:30:06 +0000] "GET /depot/1/chunk/a HTTP/1.1" 200 - "-" "-" "-" "-" "-"`
	entry, skip, err := Parse(line)
	require.NoError(t, err)
	require.False(t, skip)
	assert.Equal(t, int64(0), entry.BytesServed)
	assert.Equal(t, StatusUnknown, entry.CacheStatus)
}

func TestExtractDepotID(t *testing.T) {
	cases := []struct {
		service, url string
		want         uint32
		ok           bool
	}{
		{"steam", "/depot/730/chunk/abc", 730, true},
		{"steam", "/filestreamingservice/files/abc", 0, false},
		{"steam", "/no/depot/here", 0, false},
		{"epicgames", "/depot/730/chunk/abc", 0, false},
	}
	for _, c := range cases {
		got, ok := ExtractDepotID(c.service, c.url)
		assert.Equal(t, c.ok, ok, c.url)
		if ok {
			assert.Equal(t, c.want, got)
		}
	}
}

func TestParse_AllTimestampShapes(t *testing.T) {
	shapes := []string{
		`22/Aug/2025:22:30:06 +0000`,
		`2025-08-22 22:30:06`,
		`22/Aug/2025 22:30:06`,
		`2025-08-22T22:30:06`,
	}
	for _, shape := range shapes {
		ts, err := ParseTimestamp(shape)
		require.NoError(t, err, shape)
		assert.Equal(t, 2025, ts.Year())
		assert.Equal(t, "UTC", ts.Location().String())
	}
}

func TestFailureSampler(t *testing.T) {
	var s FailureSampler
	logged := 0
	for i := 0; i < 10100; i++ {
		if s.ShouldLog() {
			logged++
		}
	}
	// first 100, plus the 10,000th.
	assert.Equal(t, 101, logged)
}
