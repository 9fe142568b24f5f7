package orchestrator

import (
	"encoding/json"
	"net/http"
)

// extractAgentHint is the narrow, out-of-scope-per-spec collaborator that
// peeks a request for an agent tag: an explicit header first, falling back
// to a shallow scan of a JSON body's top-level "metadata.agent" field when
// the body was already buffered. It is never required for correctness of
// the pipeline; a miss just leaves UsageRecord.Agent empty.
func extractAgentHint(header http.Header, bufferedBody []byte) string {
	if h := header.Get("X-Agent-Hint"); h != "" {
		return h
	}
	if len(bufferedBody) == 0 || len(bufferedBody) > 64*1024 {
		return ""
	}
	var probe struct {
		Metadata struct {
			Agent string `json:"agent"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(bufferedBody, &probe); err != nil {
		return ""
	}
	return probe.Metadata.Agent
}
