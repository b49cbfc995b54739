package executor

import (
	"bytes"

	"github.com/tidwall/gjson"
)

// usageFields lists, per counter, the vendor paths tried in order. The
// first non-zero value wins. An empty total means input plus output.
type usageFields struct {
	input, output, total, cached, reasoning []string
}

var (
	openAIUsageFields = usageFields{
		input:     []string{"prompt_tokens", "input_tokens"},
		output:    []string{"completion_tokens", "output_tokens"},
		total:     []string{"total_tokens"},
		cached:    []string{"prompt_tokens_details.cached_tokens", "input_tokens_details.cached_tokens"},
		reasoning: []string{"completion_tokens_details.reasoning_tokens", "output_tokens_details.reasoning_tokens"},
	}
	claudeUsageFields = usageFields{
		input:  []string{"input_tokens"},
		output: []string{"output_tokens"},
		cached: []string{"cache_read_input_tokens", "cache_creation_input_tokens"},
	}
)

func firstInt(node gjson.Result, paths []string) int64 {
	for _, p := range paths {
		if v := node.Get(p).Int(); v != 0 {
			return v
		}
	}
	return 0
}

func (f usageFields) read(node gjson.Result) Usage {
	u := Usage{
		InputTokens:     firstInt(node, f.input),
		OutputTokens:    firstInt(node, f.output),
		CachedTokens:    firstInt(node, f.cached),
		ReasoningTokens: firstInt(node, f.reasoning),
	}
	if len(f.total) == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	} else {
		u.TotalTokens = firstInt(node, f.total)
	}
	return u
}

// parseUsage reads the first usage object found at one of paths. A null
// object counts as absent.
func parseUsage(payload []byte, f usageFields, paths ...string) (Usage, bool) {
	for _, p := range paths {
		node := gjson.GetBytes(payload, p)
		if !node.Exists() || node.Type == gjson.Null {
			continue
		}
		return f.read(node), true
	}
	return Usage{}, false
}

// parseOpenAIUsage handles both chat completions and responses style bodies.
func parseOpenAIUsage(data []byte) Usage {
	u, _ := parseUsage(data, openAIUsageFields, "usage")
	return u
}

// parseOpenAIStreamUsage reads the final usage chunk sent when
// stream_options.include_usage is set.
func parseOpenAIStreamUsage(line []byte) (Usage, bool) {
	payload := jsonPayload(line)
	if payload == nil {
		return Usage{}, false
	}
	return parseUsage(payload, openAIUsageFields, "usage")
}

func parseClaudeUsage(data []byte) Usage {
	u, _ := parseUsage(data, claudeUsageFields, "usage")
	return u
}

// parseClaudeStreamUsage reads message_delta (usage) and message_start
// (message.usage) events.
func parseClaudeStreamUsage(line []byte) (Usage, bool) {
	payload := jsonPayload(line)
	if payload == nil {
		return Usage{}, false
	}
	return parseUsage(payload, claudeUsageFields, "usage", "message.usage")
}

// jsonPayload strips an SSE "data:" prefix and returns the JSON object, or
// nil for event names, keep-alives and the [DONE] marker.
func jsonPayload(line []byte) []byte {
	line = bytes.TrimSpace(line)
	if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		line = bytes.TrimSpace(rest)
	}
	if len(line) == 0 || line[0] != '{' || !gjson.ValidBytes(line) {
		return nil
	}
	return line
}
