package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aixtrade/llmtrigger/internal/event"
)

// Summarize builds the fixed-schema context digest described in
// spec.md §4.6: event type, time range with a human duration, total
// count, the 10 most-recent entries one-per-line, and opportunistic
// statistics over commonly-seen numeric fields. Given identical
// input, Summarize always produces byte-identical output — required
// for LLM cache-key stability (spec.md §8 property 9).
func Summarize(events []*event.Event) string {
	if len(events) == 0 {
		return "No historical events in context window."
	}

	sorted := make([]*event.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	start := sorted[0].Timestamp
	end := sorted[len(sorted)-1].Timestamp

	var lines []string
	lines = append(lines,
		fmt.Sprintf("Event Type: %s", sorted[0].EventType),
		fmt.Sprintf("Time Range: %s - %s (%s)", start.Format("15:04:05"), end.Format("15:04:05"), formatDuration(end.Sub(start))),
		fmt.Sprintf("Total Events: %d", len(events)),
		"",
		"Recent Events:",
	)

	recent := sorted
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	for i, e := range recent {
		lines = append(lines, formatEventLine(i+1, e))
	}

	if stats := calculateStatistics(sorted); len(stats) > 0 {
		lines = append(lines, "", "Statistics:")
		lines = append(lines, stats...)
	}

	return strings.Join(lines, "\n")
}

func formatEventLine(index int, e *event.Event) string {
	return fmt.Sprintf("%d. [%s] %s", index, e.Timestamp.Format("15:04:05"), formatData(e.Data))
}

func formatData(data map[string]interface{}) string {
	if len(data) == 0 {
		return "(no data)"
	}

	var parts []string
	if symbol, ok := data["symbol"]; ok {
		parts = append(parts, fmt.Sprintf("%v", symbol))
	}
	if profit, ok := numeric(data["profit"]); ok {
		parts = append(parts, fmt.Sprintf("%+.2f", profit))
	} else if v, present := data["profit"]; present {
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	if rate, ok := numeric(data["profit_rate"]); ok {
		parts = append(parts, fmt.Sprintf("(%+.1f%%)", rate*100))
	} else if v, present := data["profit_rate"]; present {
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	if price, ok := data["price"]; ok {
		parts = append(parts, fmt.Sprintf("price=%v", price))
	}
	if rate, ok := numeric(data["change_rate"]); ok {
		parts = append(parts, fmt.Sprintf("(%+.1f%%)", rate*100))
	}
	if cpu, ok := numeric(data["cpu_usage"]); ok {
		parts = append(parts, fmt.Sprintf("CPU=%.0f%%", cpu*100))
	}
	if mem, ok := numeric(data["memory_usage"]); ok {
		parts = append(parts, fmt.Sprintf("MEM=%.0f%%", mem*100))
	}

	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return "(unserializable data)"
	}
	s := string(raw)
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

func formatDuration(d time.Duration) string {
	total := int(d.Seconds())
	switch {
	case total < 60:
		return fmt.Sprintf("%ds", total)
	case total < 3600:
		return fmt.Sprintf("%dm %ds", total/60, total%60)
	default:
		return fmt.Sprintf("%dh %dm", total/3600, (total%3600)/60)
	}
}

// calculateStatistics derives opportunistic statistics for the
// numeric fields the original trading/system domains commonly emit:
// profit (total + win/loss split), profit_rate (mean), price
// (first-to-last percent change).
func calculateStatistics(events []*event.Event) []string {
	numericFields := map[string][]float64{}
	for _, e := range events {
		for key, val := range e.Data {
			if f, ok := numeric(val); ok {
				numericFields[key] = append(numericFields[key], f)
			}
		}
	}

	var stats []string
	if values, ok := numericFields["profit"]; ok {
		total := 0.0
		positive := 0
		for _, v := range values {
			total += v
			if v > 0 {
				positive++
			}
		}
		stats = append(stats,
			fmt.Sprintf("- Total profit: %+.2f", total),
			fmt.Sprintf("- Win/Loss: %d/%d", positive, len(values)-positive),
		)
	}

	if values, ok := numericFields["profit_rate"]; ok && len(values) > 0 {
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		stats = append(stats, fmt.Sprintf("- Average profit rate: %+.1f%%", (sum/float64(len(values)))*100))
	}

	if values, ok := numericFields["price"]; ok && len(values) >= 2 {
		if values[0] != 0 {
			change := (values[len(values)-1] - values[0]) / values[0] * 100
			stats = append(stats, fmt.Sprintf("- Price change: %+.2f%%", change))
		}
	}

	return stats
}

func numeric(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}
