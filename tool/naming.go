package tool

import "strings"

const (
	maxToolNameLen  = 64
	prefixSeparator = "__"
)

// qualifyToolName builds the session-unique name for a provider tool,
// restricted to the [a-zA-Z0-9_-] alphabet and length the backends accept.
func qualifyToolName(prefix, name string) string {
	local := sanitizeToolName(name)
	if p := sanitizeToolName(prefix); strings.TrimSpace(prefix) != "" && p != "" {
		local = p + prefixSeparator + local
	}
	if len(local) > maxToolNameLen {
		local = local[:maxToolNameLen]
	}
	return local
}

func sanitizeToolName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "tool"
	}
	builder := strings.Builder{}
	for _, r := range trimmed {
		valid := (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-'
		if valid {
			builder.WriteRune(r)
			continue
		}
		out := builder.String()
		if out == "" || out[len(out)-1] == '_' {
			continue
		}
		builder.WriteRune('_')
	}
	out := strings.Trim(builder.String(), "_")
	if out == "" {
		return "tool"
	}
	return out
}
