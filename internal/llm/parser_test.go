package llm

import "testing"

func TestParseResponse_Basic(t *testing.T) {
	r, err := ParseResponse(`{"should_trigger": true, "confidence": 0.9, "reason": "strong signal"}`)
	if err != nil {
		t.Fatalf("ParseResponse error: %v", err)
	}
	if !r.ShouldTrigger {
		t.Error("ShouldTrigger = false, want true")
	}
	if r.Confidence == nil || *r.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", r.Confidence)
	}
}

func TestParseResponse_ClampsConfidence(t *testing.T) {
	r, err := ParseResponse(`{"should_trigger": true, "confidence": 1.5, "reason": "x"}`)
	if err != nil {
		t.Fatalf("ParseResponse error: %v", err)
	}
	if r.Confidence == nil || *r.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want clamped to 1.0", r.Confidence)
	}
}

func TestParseResponse_ExtractsFromSurroundingText(t *testing.T) {
	content := "Here is my answer:\n```json\n{\"should_trigger\": false, \"confidence\": 0.1, \"reason\": \"no signal\"}\n```"
	r, err := ParseResponse(content)
	if err != nil {
		t.Fatalf("ParseResponse error: %v", err)
	}
	if r.ShouldTrigger {
		t.Error("ShouldTrigger = true, want false")
	}
}

func TestParseResponse_MalformedErrors(t *testing.T) {
	_, err := ParseResponse("not json at all")
	if err == nil {
		t.Fatal("want error for malformed response")
	}
}
