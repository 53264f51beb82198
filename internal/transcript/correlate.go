package transcript

import (
	"encoding/json"
	"regexp"
)

// Sub-agent correlation. Concurrent sub-agents write their Task results into
// the shared parent transcript; the helpers here attribute prompts and
// results to the right agent instead of whichever sibling finished last.

const taskToolName = "Task"

// TaskPrompt extracts the Task tool prompt that spawned a sub-agent from the
// parent transcript. With a toolUseID it returns that exact invocation's
// prompt; otherwise the most recent Task prompt in the file.
func TaskPrompt(path, toolUseID string) (string, error) {
	last := ""
	err := scan(path, func(line int, data []byte) bool {
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

		var items []contentItem
		if err := json.Unmarshal(msg.Content, &items); err != nil {
			return true
		}

		for _, item := range items {
			if item.Type != "tool_use" || item.Name != taskToolName {
				continue
			}
			prompt, _ := item.Input["prompt"].(string)
			if toolUseID != "" {
				if item.ID == toolUseID {
					last = prompt
					return false
				}
				continue
			}
			if prompt != "" {
				last = prompt
			}
		}
		return true
	})
	if err != nil {
		return "", err
	}
	return last, nil
}

// TaskResult extracts a Task tool result from the parent transcript. When
// agentID is set, only results whose content carries a trailing
// "agentId: <id>" line match — without this filter the most recently
// finished sibling's output would be misattributed. With an empty agentID
// the most recent Task result is returned.
func TaskResult(path, agentID string) (string, error) {
	// First pass: map tool_use_id to tool name so results can be matched to
	// Task invocations specifically.
	taskIDs := make(map[string]bool)
	err := scan(path, func(line int, data []byte) bool {
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
		var items []contentItem
		if err := json.Unmarshal(msg.Content, &items); err != nil {
			return true
		}
		for _, item := range items {
			if item.Type == "tool_use" && item.Name == taskToolName && item.ID != "" {
				taskIDs[item.ID] = true
			}
		}
		return true
	})
	if err != nil {
		return "", err
	}

	var agentPattern *regexp.Regexp
	if agentID != "" {
		agentPattern = regexp.MustCompile(`(?m)agentId:\s*` + regexp.QuoteMeta(agentID) + `\s*$`)
	}

	lastResult := ""
	lastMatching := ""
	err = scan(path, func(line int, data []byte) bool {
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
			if item.Type != "tool_result" || !taskIDs[item.ToolUseID] {
				continue
			}
			content := normalizeResultContent(item.Content)
			if content == "" {
				continue
			}
			lastResult = content
			if agentPattern != nil && agentPattern.MatchString(content) {
				lastMatching = content
			}
		}
		return true
	})
	if err != nil {
		return "", err
	}

	if agentID != "" {
		return lastMatching, nil
	}
	return lastResult, nil
}

// LastAssistantText returns the text of the last assistant message that has
// any, joining multiple text blocks within one message. Used to read a
// sub-agent's final answer from its own transcript, and a turn's output at
// finalize time.
func LastAssistantText(path string, startLine int) (string, error) {
	start, err := effectiveStart(path, startLine)
	if err != nil {
		return "", err
	}

	last := ""
	err = scan(path, func(line int, data []byte) bool {
		if line <= start {
			return true
		}

		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return true
		}

		var msg message
		if err := json.Unmarshal(rec.Message, &msg); err != nil {
			return true
		}
		if msg.Role != "assistant" {
			return true
		}

		text := assistantText(msg.Content)
		if text != "" {
			last = text
		}
		return true
	})
	if err != nil {
		return "", err
	}
	return last, nil
}

// assistantText joins the text blocks of a message content value, which is
// either an array of typed blocks or a bare string.
func assistantText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var items []contentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}
	out := ""
	for _, item := range items {
		if item.Type != "text" || item.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += item.Text
	}
	return out
}
