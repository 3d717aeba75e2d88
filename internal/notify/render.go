package notify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aixtrade/llmtrigger/internal/decision"
	"github.com/aixtrade/llmtrigger/internal/event"
	"github.com/aixtrade/llmtrigger/internal/rules"
)

const maxRenderedDataFields = 5

// Render builds the deterministic plain-text notification body for a
// triggered rule, per spec.md §4.10: a header naming the rule and the
// triggering timestamp, the decision reason, optional confidence, and
// up to maxRenderedDataFields data fields sorted by key so the output
// is stable for a given input (the message itself carries no identity
// requirement beyond that).
func Render(rule *rules.Rule, evt *event.Event, result decision.Result) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[%s] %s\n", rule.Name, evt.Timestamp.UTC().Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(&b, "%s\n", result.Reason)
	if result.Confidence != nil {
		fmt.Fprintf(&b, "Confidence: %.0f%%\n", *result.Confidence*100)
	}

	keys := make([]string, 0, len(evt.Data))
	for k := range evt.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxRenderedDataFields {
		keys = keys[:maxRenderedDataFields]
	}
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, evt.Data[k])
	}

	return strings.TrimRight(b.String(), "\n")
}
