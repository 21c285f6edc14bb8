package escalate

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// Interpolate substitutes {{variable}} placeholders from the
// execution context. Unknown variables are left intact so the failure
// is visible downstream instead of silently becoming empty strings.
func Interpolate(s string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

func interpolateParams(params map[string]string, vars map[string]string) map[string]string {
	if len(vars) == 0 {
		return params
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = Interpolate(v, vars)
	}
	return out
}
