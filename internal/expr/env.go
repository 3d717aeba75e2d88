package expr

// BuildEnv constructs the evaluation environment for an event, per
// spec.md §4.4: data is flattened one level with '_' separators, and
// event_type/context_key are added as top-level names. Both the
// flattened name (e.g. "trade_profit_rate") and the original leaf name
// (e.g. "profit_rate") are bound, so predicates can use either form.
func BuildEnv(eventType, contextKey string, data map[string]interface{}) Env {
	env := Env{
		"event_type":  eventType,
		"context_key": contextKey,
	}
	for key, val := range data {
		if nested, ok := val.(map[string]interface{}); ok {
			for subKey, subVal := range nested {
				env[key+"_"+subKey] = subVal
				env[subKey] = subVal
			}
			continue
		}
		env[key] = val
	}
	return env
}
