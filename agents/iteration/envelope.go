package iteration

import (
	"fmt"

	"github.com/lexcodex/goalloop/framework"
)

// normalizeEnvelope turns whatever a worker returned into an Envelope.
// Envelope-shaped maps are decoded field by field; any other value becomes the
// data of an unsuccessful envelope since it carries no success flag.
func normalizeEnvelope(raw any) framework.Envelope {
	var env framework.Envelope
	switch v := raw.(type) {
	case *framework.Envelope:
		if v != nil {
			env = *v
		}
	case framework.Envelope:
		env = v
	case map[string]any:
		if _, ok := v["success"]; !ok {
			env.Data = v
			break
		}
		env.Success, _ = v["success"].(bool)
		if data, ok := v["data"]; ok {
			env.Data = data
		} else {
			env.Data = v
		}
		env.Artifacts = stringList(v["artifacts"])
		env.Logs = stringList(v["logs"])
		if meta, ok := v["meta"].(map[string]any); ok {
			if msg, ok := meta["error"]; ok && msg != nil {
				env.Meta.Error = fmt.Sprint(msg)
			}
		}
		if msg, ok := v["error"]; ok && msg != nil && env.Meta.Error == "" {
			env.Meta.Error = fmt.Sprint(msg)
		}
	default:
		env.Data = raw
	}
	if env.Artifacts == nil {
		env.Artifacts = []string{}
	}
	if env.Logs == nil {
		env.Logs = []string{}
	}
	return env
}

func stringList(v any) []string {
	switch items := v.(type) {
	case []string:
		return append([]string(nil), items...)
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

func failedEnvelope(executor, reason string) framework.Envelope {
	return framework.Envelope{
		Success:   false,
		Artifacts: []string{},
		Logs:      []string{},
		Meta:      framework.EnvelopeMeta{Executor: executor, Error: reason},
	}
}
