package commands

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrapeCounters_ParsesGauges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`# HELP oplockd_exclusive_open current exclusive opens
# TYPE oplockd_exclusive_open gauge
oplockd_exclusive_open 3
# HELP oplockd_level_ii_open current level-II opens
# TYPE oplockd_level_ii_open gauge
oplockd_level_ii_open 7
`))
	}))
	defer srv.Close()

	port := portFromTestServer(t, srv)
	snapshot := scrapeCounters(port)

	assert.True(t, snapshot.Running)
	assert.Equal(t, int64(3), snapshot.ExclusiveOpen)
	assert.Equal(t, int64(7), snapshot.LevelIIOpen)
}

func TestScrapeCounters_UnreachableReportsStopped(t *testing.T) {
	snapshot := scrapeCounters(1) // port 1 is reserved and never listens
	assert.False(t, snapshot.Running)
	assert.Equal(t, int64(0), snapshot.ExclusiveOpen)
}

func TestCounterSnapshot_Rows(t *testing.T) {
	snapshot := counterSnapshot{Running: true, ExclusiveOpen: 2, LevelIIOpen: 4}
	rows := snapshot.Rows()
	assert.Len(t, rows, 3)
	assert.Equal(t, []string{"status", "running"}, rows[0])
}

func portFromTestServer(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	assert.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	assert.NoError(t, err)
	return port
}
