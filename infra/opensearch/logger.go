package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

// SecurityEvent is an indexed security relevant occurrence: WAF hits,
// signature failures, revoked token use, rate limit denials.
type SecurityEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// SecurityQuery filters SearchSecurityEvents
type SecurityQuery struct {
	Event    string
	Severity string
	IP       string
	Hours    int
	Size     int
}

// Logger handles OpenSearch logging operations
type Logger struct {
	client *Client
}

// NewLogger creates a new OpenSearch logger
func NewLogger(client *Client) *Logger {
	return &Logger{
		client: client,
	}
}

// LogSecurityEvent indexes a security event
func (l *Logger) LogSecurityEvent(ctx context.Context, event SecurityEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Fields != nil {
		event.Fields = sanitizeFields(event.Fields)
	}
	return l.index(ctx, SecurityIndex, event)
}

// LogSystemEvent logs a system event to OpenSearch
func (l *Logger) LogSystemEvent(ctx context.Context, log any) error {
	return l.index(ctx, SystemIndex, log)
}

func (l *Logger) index(ctx context.Context, indexName string, doc any) error {
	if !l.client.IsEnabled() {
		return nil
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal log: %w", err)
	}

	req := opensearchapi.IndexRequest{
		Index: indexName,
		Body:  bytes.NewReader(body),
	}

	res, err := req.Do(ctx, l.client.GetClient())
	if err != nil {
		return fmt.Errorf("failed to index log: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("opensearch error: %s", res.String())
	}

	return nil
}

// SearchSecurityEvents returns the newest security events matching q
func (l *Logger) SearchSecurityEvents(ctx context.Context, q SecurityQuery) ([]SecurityEvent, error) {
	if !l.client.IsEnabled() {
		return nil, fmt.Errorf("logging is disabled")
	}

	if q.Hours <= 0 {
		q.Hours = 24
	}
	if q.Size <= 0 || q.Size > 500 {
		q.Size = 100
	}

	must := []map[string]any{
		{"range": map[string]any{"timestamp": map[string]any{"gte": fmt.Sprintf("now-%dh", q.Hours)}}},
	}
	if q.Event != "" {
		must = append(must, map[string]any{"term": map[string]any{"event": q.Event}})
	}
	if q.Severity != "" {
		must = append(must, map[string]any{"term": map[string]any{"severity": q.Severity}})
	}
	if q.IP != "" {
		must = append(must, map[string]any{"term": map[string]any{"ip": q.IP}})
	}

	searchQuery := map[string]any{
		"query": map[string]any{"bool": map[string]any{"must": must}},
		"sort": []map[string]any{
			{"timestamp": map[string]string{"order": "desc"}},
		},
		"size": q.Size,
	}

	queryJSON, err := json.Marshal(searchQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	req := opensearchapi.SearchRequest{
		Index: []string{SecurityIndex},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, l.client.GetClient())
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("opensearch search error: %s", res.String())
	}

	var searchResult struct {
		Hits struct {
			Hits []struct {
				Source SecurityEvent `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&searchResult); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}

	events := make([]SecurityEvent, len(searchResult.Hits.Hits))
	for i, hit := range searchResult.Hits.Hits {
		events[i] = hit.Source
	}

	return events, nil
}

var sensitiveKeys = map[string]bool{
	"password": true, "token": true, "refresh_token": true, "access_token": true,
	"hash": true, "paytr_token": true, "authorization": true, "secret": true,
	"secretKey": true, "merchant_key": true, "card_number": true, "cvv": true,
}

var sensitivePattern = regexp.MustCompile(`(?i)("(?:password|token|refresh_token|paytr_token|hash|authorization|secret|secretKey|apiKey|merchant_key|card_number|cardNumber|cvc|cvv)"\s*:\s*)"[^"]*"`)

func sanitizeFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if sensitiveKeys[k] {
			out[k] = "***REDACTED***"
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = SanitizeForLog(s)
			continue
		}
		out[k] = v
	}
	return out
}

// SanitizeForLog redacts secrets embedded in JSON-ish payload snippets
func SanitizeForLog(data string) string {
	return sensitivePattern.ReplaceAllString(data, `$1"***REDACTED***"`)
}
