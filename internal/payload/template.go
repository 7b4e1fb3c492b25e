package payload

import (
	"regexp"
	"strings"
)

// tokenPattern takes everything up to the first closing "}}" as the path, so
// a token can never survive substitution. "{{}}" resolves to "".
var tokenPattern = regexp.MustCompile(`\{\{\s*([^}]*?)\s*\}\}`)

// ApplyTemplate replaces every {{ path }} token with the string form of the
// value at path. Unresolved paths become "". Substituted values are not
// expanded again.
func ApplyTemplate(template string, doc Document) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return tokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		m := tokenPattern.FindStringSubmatch(token)
		if len(m) < 2 {
			return ""
		}
		return doc.String(strings.TrimSpace(m[1]))
	})
}

// ApplyValue expands v when it is a string and returns any other value as is.
func ApplyValue(v interface{}, doc Document) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	return ApplyTemplate(s, doc)
}

// Tokens lists the paths referenced by a template, in order of appearance.
func Tokens(template string) []string {
	matches := tokenPattern.FindAllStringSubmatch(template, -1)
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, strings.TrimSpace(m[1]))
	}
	return paths
}
