package provider

import (
	"bytes"
	"encoding/json"
)

// ParseSSEUsage scans a chunk of SSE-framed response bytes for the
// provider's message_start/message_delta usage events and returns the
// input/output token counts found, if any.
//
// Grounded on the teacher's ClaudeProvider.ParseUsage (provider_claude.go):
// message_start carries input (and cached) token counts, message_delta
// carries the running output token count.
func ParseSSEUsage(data []byte) (input, output *int) {
	for _, event := range bytes.Split(data, []byte("\n\n")) {
		var dataLine []byte
		for _, line := range bytes.Split(event, []byte("\n")) {
			if after, ok := cutPrefix(line, []byte("data:")); ok {
				dataLine = bytes.TrimSpace(after)
			}
		}
		if len(dataLine) == 0 {
			continue
		}

		var payload struct {
			Type    string `json:"type"`
			Message struct {
				Usage struct {
					InputTokens             int `json:"input_tokens"`
					CacheReadInputTokens    int `json:"cache_read_input_tokens"`
					CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
				} `json:"usage"`
			} `json:"message"`
			Usage struct {
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(dataLine, &payload); err != nil {
			continue
		}

		switch payload.Type {
		case "message_start":
			n := payload.Message.Usage.InputTokens +
				payload.Message.Usage.CacheReadInputTokens +
				payload.Message.Usage.CacheCreationInputTokens
			if n < 0 {
				n = 0
			}
			input = &n
		case "message_delta":
			n := payload.Usage.OutputTokens
			output = &n
		}
	}
	return input, output
}

func cutPrefix(s, prefix []byte) ([]byte, bool) {
	if !bytes.HasPrefix(s, prefix) {
		return nil, false
	}
	return s[len(prefix):], true
}
