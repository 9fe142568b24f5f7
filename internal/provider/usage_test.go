package provider

import "testing"

func TestParseSSEUsageMessageStartAndDelta(t *testing.T) {
	data := []byte(
		"event: message_start\n" +
			`data: {"type":"message_start","message":{"usage":{"input_tokens":12,"cache_read_input_tokens":3}}}` + "\n\n" +
			"event: message_delta\n" +
			`data: {"type":"message_delta","usage":{"output_tokens":45}}` + "\n\n",
	)

	input, output := ParseSSEUsage(data)
	if input == nil || *input != 15 {
		t.Fatalf("got input=%v, want 15", input)
	}
	if output == nil || *output != 45 {
		t.Fatalf("got output=%v, want 45", output)
	}
}

func TestParseSSEUsageEmptyData(t *testing.T) {
	input, output := ParseSSEUsage(nil)
	if input != nil || output != nil {
		t.Fatalf("expected nil/nil for empty input")
	}
}
