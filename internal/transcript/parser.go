// Package transcript incrementally parses Claude Code session transcripts.
//
// Transcripts are append-only JSONL: one record per line with a type
// discriminator (user, assistant, system) and, for assistant records, a
// message.content array of typed blocks plus optional usage counters.
// Callers track their own line offsets; every function here is a pure scan
// from a given start line and is idempotent for a fixed offset.
package transcript

import (
	"bufio"
	"encoding/json"
	"os"
)

// maxLineSize bounds a single transcript line. Tool results with large file
// contents can produce very long lines.
const maxLineSize = 10 * 1024 * 1024

// Block is one structured content unit extracted from an assistant message.
type Block struct {
	Type        string // "text" or "tool_use"
	Line        int    // 1-based transcript line, strictly increasing per parse
	Position    int    // index within the message's content array
	Timestamp   string
	MessageUUID string

	// Text blocks.
	Text string

	// Tool blocks.
	ToolName   string
	ToolID     string
	ToolInput  map[string]any
	ToolOutput string
}

// Usage accumulates token counters over a parse window.
type Usage struct {
	Input         int
	Output        int
	CacheRead     int
	CacheCreation int
}

// Total sums every counter, cache types included.
func (u Usage) Total() int {
	return u.Input + u.Output + u.CacheRead + u.CacheCreation
}

func (u *Usage) add(c usageCounters) {
	u.Input += c.InputTokens
	u.Output += c.OutputTokens
	u.CacheRead += c.CacheReadInputTokens
	u.CacheCreation += c.CacheCreationInputTokens
}

// record is the JSONL envelope shared by all transcript line types.
type record struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype"`
	Timestamp   string          `json:"timestamp"`
	UUID        string          `json:"uuid"`
	SessionID   string          `json:"sessionId"`
	IsSidechain bool            `json:"isSidechain"`
	Message     json.RawMessage `json:"message"`
	Profile     json.RawMessage `json:"profile"`
}

type message struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
	Usage   *usageCounters  `json:"usage"`
}

type usageCounters struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type contentItem struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Name      string          `json:"name"`
	ID        string          `json:"id"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

const compactBoundary = "compact_boundary"

// scan walks the transcript line by line, calling fn with the 1-based line
// number and raw bytes. Empty lines are skipped but still numbered. fn
// returning false stops the walk.
func scan(path string, fn func(line int, data []byte) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		if !fn(line, data) {
			break
		}
	}
	return scanner.Err()
}

// lastBoundaryLine returns the line number of the last compaction boundary
// marker, or 0 when the transcript has none. Content at or before this line
// predates a host-side rewrite and must never be extracted.
func lastBoundaryLine(path string) (int, error) {
	boundary := 0
	err := scan(path, func(line int, data []byte) bool {
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return true
		}
		if rec.Type == "system" && rec.Subtype == compactBoundary {
			boundary = line
		}
		return true
	})
	return boundary, err
}

// effectiveStart clamps startLine to the last compaction boundary, so even a
// from-scratch parse (startLine 0) skips pre-compaction material.
func effectiveStart(path string, startLine int) (int, error) {
	boundary, err := lastBoundaryLine(path)
	if err != nil {
		return startLine, err
	}
	if boundary > startLine {
		return boundary, nil
	}
	return startLine, nil
}

// ExtractBlocks returns the structured content blocks of assistant messages
// after startLine, in transcript order. Each assistant message yields one
// block per text segment and one per tool invocation, tagged with its
// position in the message. Tool outputs already present in the transcript
// are attached via their tool_use_id. Malformed lines are skipped.
//
// Calling ExtractBlocks twice with the same startLine returns the same
// blocks; duplicate suppression is the caller's offset bookkeeping.
func ExtractBlocks(path string, startLine int) ([]Block, error) {
	start, err := effectiveStart(path, startLine)
	if err != nil {
		return nil, err
	}

	toolResults, err := toolResultIndex(path)
	if err != nil {
		return nil, err
	}

	var blocks []Block
	err = scan(path, func(line int, data []byte) bool {
		if line <= start {
			return true
		}

		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return true
		}
		if rec.Type != "assistant" {
			return true
		}

		var msg message
		if err := json.Unmarshal(rec.Message, &msg); err != nil {
			return true
		}
		if msg.Role != "assistant" {
			return true
		}

		var items []contentItem
		if err := json.Unmarshal(msg.Content, &items); err != nil {
			return true
		}

		for pos, item := range items {
			block := Block{
				Line:        line,
				Position:    pos,
				Timestamp:   rec.Timestamp,
				MessageUUID: rec.UUID,
			}
			switch item.Type {
			case "text":
				block.Type = "text"
				block.Text = item.Text
			case "tool_use":
				block.Type = "tool_use"
				block.ToolName = item.Name
				block.ToolID = item.ID
				block.ToolInput = item.Input
				block.ToolOutput = toolResults[item.ID]
			default:
				continue
			}
			blocks = append(blocks, block)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	return blocks, nil
}

// toolResultIndex maps tool_use_id to normalized result content. It scans
// the whole transcript: results land on user-typed lines after the
// invocation, so a windowed scan would miss late arrivals.
func toolResultIndex(path string) (map[string]string, error) {
	results := make(map[string]string)
	err := scan(path, func(line int, data []byte) bool {
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return true
		}
		if rec.Type != "user" {
			return true
		}

		var msg message
		if err := json.Unmarshal(rec.Message, &msg); err != nil {
			return true
		}

		var items []contentItem
		if err := json.Unmarshal(msg.Content, &items); err != nil {
			return true
		}

		for _, item := range items {
			if item.Type == "tool_result" && item.ToolUseID != "" {
				results[item.ToolUseID] = normalizeResultContent(item.Content)
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// normalizeResultContent flattens a tool_result content value to a string.
// The transcript stores either a plain string or an array of typed blocks
// like {"type":"text","text":"..."}.
func normalizeResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var items []contentItem
	if err := json.Unmarshal(raw, &items); err == nil {
		var out []byte
		for _, item := range items {
			out = append(out, item.Text...)
		}
		return string(out)
	}

	return string(raw)
}

// ParseUsage accumulates token usage and tool names from lines after
// startLine. Returns the accumulated counters, the tool names seen, and the
// total line count of the transcript (the caller's next offset).
//
// Claude Code writes several JSONL records per API turn carrying identical
// usage objects; consecutive duplicates are counted once.
func ParseUsage(path string, startLine int) (Usage, []string, int, error) {
	start, err := effectiveStart(path, startLine)
	if err != nil {
		return Usage{}, nil, 0, err
	}

	var usage Usage
	var toolNames []string
	var lastSeen *usageCounters
	lastLine := 0

	err = scan(path, func(line int, data []byte) bool {
		lastLine = line
		if line <= start {
			return true
		}

		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return true
		}
		if len(rec.Message) == 0 {
			return true
		}

		var msg message
		if err := json.Unmarshal(rec.Message, &msg); err != nil {
			return true
		}

		if msg.Usage != nil {
			if lastSeen == nil || *msg.Usage != *lastSeen {
				usage.add(*msg.Usage)
				seen := *msg.Usage
				lastSeen = &seen
			}
		}

		var items []contentItem
		if err := json.Unmarshal(msg.Content, &items); err == nil {
			for _, item := range items {
				if item.Type == "tool_use" && item.Name != "" {
					toolNames = append(toolNames, item.Name)
				}
			}
		}
		return true
	})
	if err != nil {
		return Usage{}, nil, 0, err
	}

	return usage, toolNames, lastLine, nil
}

// LineCount returns the transcript's current total line count.
func LineCount(path string) (int, error) {
	last := 0
	err := scan(path, func(line int, data []byte) bool {
		last = line
		return true
	})
	return last, err
}
