package langfuse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/pacetrace-dev/pacetrace/internal/log"
)

// maxBatchPayloadBytes is the serialized-size ceiling for one ingestion
// request. Langfuse Cloud enforces a 1MB body limit; 900KB leaves headroom
// for HTTP overhead.
const maxBatchPayloadBytes = 900_000

// minTruncatedFieldChars is the floor kept of any field during truncation.
const minTruncatedFieldChars = 100

// aggressiveTruncationChars is the per-field cap applied on the second pass
// when largest-first truncation alone cannot reach the ceiling.
const aggressiveTruncationChars = 1000

// Client pushes observation batches to the ingestion endpoint.
// Push never returns an error: every failure mode collapses to (false, 0)
// so callers branch on a value instead of unwinding a hook invocation.
type Client struct {
	BaseURL   string
	PublicKey string
	SecretKey string
	Timeout   time.Duration
	Logger    *log.Logger

	// HTTPClient is swappable for tests; nil means a default client.
	HTTPClient *http.Client
}

// NewClient builds a Client with the given credentials and push timeout.
func NewClient(baseURL, publicKey, secretKey string, timeout time.Duration, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Discard()
	}
	return &Client{
		BaseURL:   baseURL,
		PublicKey: publicKey,
		SecretKey: secretKey,
		Timeout:   timeout,
		Logger:    logger,
	}
}

// ingestResponse is the response body of POST /api/public/ingestion. The
// backend returns 207 with these arrays even when items fail, so the body —
// not the HTTP status — is the source of truth.
type ingestResponse struct {
	Successes []json.RawMessage `json:"successes"`
	Errors    []json.RawMessage `json:"errors"`
}

// Push sends a batch to the ingestion endpoint. Returns whether at least one
// item was accepted and how many were. An empty batch is trivially
// successful. Transport errors, non-2xx statuses, and unparseable bodies all
// report (false, 0); nothing is retried here — the caller decides what to do
// on the next lifecycle event.
func (c *Client) Push(ctx context.Context, batch []Event) (bool, int) {
	if len(batch) == 0 {
		return true, 0
	}

	payload, err := serializeBatch(batch)
	if err != nil {
		c.Logger.Warn("push", "failed to serialize batch", err)
		return false, 0
	}

	if len(payload) > maxBatchPayloadBytes {
		c.Logger.Warn("push", fmt.Sprintf("batch payload %d bytes exceeds limit %d, truncating", len(payload), maxBatchPayloadBytes), nil)
		payload, err = truncateToFit(payload, maxBatchPayloadBytes)
		if err != nil {
			c.Logger.Warn("push", "failed to truncate batch", err)
			return false, 0
		}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(c.BaseURL, "/") + "/api/public/ingestion"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		c.Logger.Warn("push", "failed to build request", err)
		return false, 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.PublicKey, c.SecretKey)

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		c.Logger.Warn("push", "ingestion request failed", err)
		return false, 0
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.Logger.Warn("push", fmt.Sprintf("ingestion returned HTTP %d", resp.StatusCode), nil)
		return false, 0
	}

	var result ingestResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.Logger.Warn("push", "failed to parse ingestion response", err)
		return false, 0
	}

	if len(result.Errors) > 0 {
		c.Logger.Append(log.Event{
			Level:     log.LevelWarn,
			Component: "push",
			Message:   "batch had item errors",
			Count:     len(result.Errors),
		})
	}

	accepted := len(result.Successes)
	if accepted == 0 {
		c.Logger.Warn("push", fmt.Sprintf("all %d events failed", len(batch)), nil)
		return false, 0
	}

	c.Logger.Info("push", fmt.Sprintf("pushed %d/%d events", accepted, len(batch)))
	return true, accepted
}

func serializeBatch(batch []Event) ([]byte, error) {
	return json.Marshal(map[string]any{"batch": batch})
}

// genericPayload mirrors the serialized batch shape for in-place field
// truncation without knowledge of the concrete body types.
type genericPayload struct {
	Batch []struct {
		ID        string         `json:"id"`
		Timestamp string         `json:"timestamp"`
		Type      string         `json:"type"`
		Body      map[string]any `json:"body"`
	} `json:"batch"`
}

// truncatable string fields inside observation bodies, largest trimmed first.
var truncatableFields = []string{"input", "output", "text"}

type fieldRef struct {
	event int
	name  string
	size  int
}

// truncateToFit trims oversized string fields in event bodies until the
// serialized payload fits under maxBytes. Non-string fields are never
// touched. Each trimmed field ends with an explicit marker naming its
// original size.
func truncateToFit(payload []byte, maxBytes int) ([]byte, error) {
	var generic genericPayload
	if err := json.Unmarshal(payload, &generic); err != nil {
		return nil, fmt.Errorf("reparsing batch for truncation: %w", err)
	}

	var fields []fieldRef
	for i, event := range generic.Batch {
		for _, name := range truncatableFields {
			if s, ok := event.Body[name].(string); ok {
				fields = append(fields, fieldRef{event: i, name: name, size: len([]rune(s))})
			}
		}
	}
	if len(fields) == 0 {
		return payload, nil
	}

	sort.Slice(fields, func(a, b int) bool { return fields[a].size > fields[b].size })

	serialized := payload
	for _, f := range fields {
		if len(serialized) <= maxBytes {
			break
		}
		excess := len(serialized) - maxBytes

		body := generic.Batch[f.event].Body
		value, ok := body[f.name].(string)
		if !ok {
			continue
		}
		runes := []rune(value)

		target := len(runes) - excess - minTruncatedFieldChars
		if target < minTruncatedFieldChars {
			target = minTruncatedFieldChars
		}
		if target >= len(runes) {
			continue
		}
		body[f.name] = string(runes[:target]) + truncationMarker(len(runes), target)

		var err error
		serialized, err = json.Marshal(generic)
		if err != nil {
			return nil, fmt.Errorf("reserializing truncated batch: %w", err)
		}
	}

	// Second pass: when largest-first trimming wasn't enough, clamp every
	// field to a small fixed size.
	if len(serialized) > maxBytes {
		for _, f := range fields {
			body := generic.Batch[f.event].Body
			value, ok := body[f.name].(string)
			if !ok {
				continue
			}
			runes := []rune(value)
			if len(runes) > aggressiveTruncationChars {
				body[f.name] = string(runes[:aggressiveTruncationChars]) + truncationMarker(f.size, aggressiveTruncationChars)
			}
		}
		var err error
		serialized, err = json.Marshal(generic)
		if err != nil {
			return nil, fmt.Errorf("reserializing truncated batch: %w", err)
		}
	}

	return serialized, nil
}

func truncationMarker(originalChars, limitChars int) string {
	return fmt.Sprintf("\n\n... [TRUNCATED - original size: %d chars, limit: %d chars]", originalChars, limitChars)
}
