package commands

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/netshare/oplockd/internal/cli/output"
)

var (
	statusOutput      string
	statusMetricsPort int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the live oplock counters of a running oplockd",
	Long: `Status scrapes a running oplockd's Prometheus metrics endpoint and
renders the process-wide open-oplock counters (spec.md §3's
GlobalCounters) as a table or JSON.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusMetricsPort, "metrics-port", 9090, "Metrics server port")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json)")
}

// counterSnapshot is what status renders: the two GlobalCounters gauges
// scraped off /metrics, plus whether the scrape succeeded at all.
type counterSnapshot struct {
	Running       bool  `json:"running"`
	ExclusiveOpen int64 `json:"exclusive_open"`
	LevelIIOpen   int64 `json:"level_ii_open"`
}

func (s counterSnapshot) Headers() []string {
	return []string{"Field", "Value"}
}

func (s counterSnapshot) Rows() [][]string {
	status := "stopped"
	if s.Running {
		status = "running"
	}
	return [][]string{
		{"status", status},
		{"exclusive_open", strconv.FormatInt(s.ExclusiveOpen, 10)},
		{"level_ii_open", strconv.FormatInt(s.LevelIIOpen, 10)},
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	snapshot := scrapeCounters(statusMetricsPort)

	if format == output.FormatJSON {
		return output.PrintJSON(os.Stdout, snapshot)
	}
	return output.PrintTable(os.Stdout, snapshot)
}

// scrapeCounters fetches and parses the two oplockd_* gauges this core
// exposes (metrics.go's GaugeCounters) out of the Prometheus text
// exposition format. A scrape failure is not an error to the caller —
// it just means the process is not running, mirroring the teacher's
// status command treating an unreachable health endpoint as "stopped"
// rather than a hard failure.
func scrapeCounters(port int) counterSnapshot {
	url := fmt.Sprintf("http://127.0.0.1:%d/metrics", port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return counterSnapshot{Running: false}
	}
	defer func() { _ = resp.Body.Close() }()

	snapshot := counterSnapshot{Running: true}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		switch {
		case strings.HasPrefix(fields[0], "oplockd_exclusive_open"):
			if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
				snapshot.ExclusiveOpen = int64(v)
			}
		case strings.HasPrefix(fields[0], "oplockd_level_ii_open"):
			if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
				snapshot.LevelIIOpen = int64(v)
			}
		}
	}
	return snapshot
}
