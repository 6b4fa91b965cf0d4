package monitor

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/govwarc/crawlpilot/internal/jobstate"
	"github.com/govwarc/crawlpilot/internal/metrics"
)

// Markers the crawler emits in its structured log stream.
const (
	statsMessage = "Crawl statistics"
	retryPrefix  = "Retrying"
)

// logEntry is the crawler's structured log line shape.
type logEntry struct {
	Timestamp string          `json:"timestamp"`
	LogLevel  string          `json:"logLevel"`
	Context   string          `json:"context"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details"`
}

// statsDetails carries the crawl counters embedded in a statistics line.
type statsDetails struct {
	Crawled int64 `json:"crawled"`
	Total   int64 `json:"total"`
	Pending int64 `json:"pending"`
	Failed  int64 `json:"failed"`
}

// retryDetails carries the failure text embedded in a retry notice.
type retryDetails struct {
	Msg string `json:"msg"`
	URL string `json:"url"`
}

// Pattern sets for error classification; first match wins, timeouts before
// HTTP/network, fallback "other". Matching is case-insensitive substring.
var (
	timeoutPatterns = []string{
		"timed out",
		"timeout",
		"net::err_timed_out",
		"net::err_connection_timed_out",
	}
	httpPatterns = []string{
		"net::err",
		"econnrefused",
		"econnreset",
		"socket hang up",
		"dns",
		"status: 4",
		"status: 5",
		"http error",
		"ssl",
		"certificate",
	}
)

// classifyError buckets a raw error text into timeout/http/other.
func classifyError(text string) string {
	lower := strings.ToLower(text)
	for _, p := range timeoutPatterns {
		if strings.Contains(lower, p) {
			return "timeout"
		}
	}
	for _, p := range httpPatterns {
		if strings.Contains(lower, p) {
			return "http"
		}
	}
	return "other"
}

// processLine feeds one log line into the job state. Structured statistics
// lines update progress; retry notices and warning/error lines bump the
// matching error counter; unstructured lines are matched against the raw
// text.
func (m *Monitor) processLine(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	var entry logEntry
	if err := json.Unmarshal([]byte(trimmed), &entry); err != nil || entry.Message == "" {
		m.classifyRaw(trimmed)
		return
	}

	switch {
	case entry.Message == statsMessage:
		var details statsDetails
		if err := json.Unmarshal(entry.Details, &details); err != nil {
			m.logger.Debug("unparseable crawl statistics", zap.Error(err))
			return
		}
		m.state.UpdateProgress(jobstate.Progress{
			Crawled: details.Crawled,
			Total:   details.Total,
			Pending: details.Pending,
			Failed:  details.Failed,
		})
		snap := m.state.GetSnapshot()
		metrics.SetProgress(snap.LastCrawled, snap.LastPending, snap.RatePerMinute)
	case strings.HasPrefix(entry.Message, retryPrefix):
		text := entry.Message
		var details retryDetails
		if len(entry.Details) > 0 && json.Unmarshal(entry.Details, &details) == nil && details.Msg != "" {
			text = details.Msg
		}
		m.recordError(classifyError(text))
	case isWarnOrError(entry.LogLevel):
		m.recordError(classifyError(entry.Message))
	}
}

// classifyRaw applies the pattern sets to an unstructured line. Lines that
// carry no error vocabulary at all are ignored rather than counted as
// "other"; plain informational output would drown the counter otherwise.
func (m *Monitor) classifyRaw(line string) {
	lower := strings.ToLower(line)
	if !strings.Contains(lower, "error") && !strings.Contains(lower, "fail") &&
		!strings.Contains(lower, "timeout") && !strings.Contains(lower, "timed out") {
		return
	}
	m.recordError(classifyError(line))
}

func (m *Monitor) recordError(category string) {
	m.state.RecordError(category)
	metrics.ObserveErrorLine(category)
}

func isWarnOrError(level string) bool {
	switch strings.ToLower(level) {
	case "warn", "warning", "error", "fatal":
		return true
	default:
		return false
	}
}
