package logger

import "github.com/mstgnz/pawguard/infra/metrics"

// CountSecurityEvents is a Hook that counts security events by name and severity
func CountSecurityEvents(entry SystemLog) {
	if entry.Event == "" {
		return
	}
	metrics.SecurityEventsTotal.WithLabelValues(entry.Event, string(entry.Severity)).Inc()
}
