package registry

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
)

var placeholderRe = regexp.MustCompile(`\{\s*([^{}]*?)\s*\}`)

// Placeholders returns the placeholder names in template, in order of
// appearance. An empty placeholder is a configuration error.
func Placeholders(template string) ([]string, error) {
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if m[1] == "" {
			return nil, resilience.NewConfigurationError("empty placeholder in %q", template)
		}
		names = append(names, m[1])
	}
	return names, nil
}

// ResolveURL substitutes {name} placeholders in template with values from
// row. Values before the query string are path-escaped and values after it
// are query-escaped. A placeholder with no matching, non-empty row value is a
// configuration error and the literal placeholder is never navigated to.
func ResolveURL(template string, row model.Row) (string, error) {
	if _, err := Placeholders(template); err != nil {
		return "", err
	}

	queryAt := strings.IndexByte(template, '?')
	var missing error
	var b strings.Builder
	last := 0
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(template, -1) {
		b.WriteString(template[last:loc[0]])
		last = loc[1]

		name := template[loc[2]:loc[3]]
		val, ok := row.Lookup(name)
		val = strings.TrimSpace(val)
		if !ok || val == "" {
			if missing == nil {
				missing = resilience.NewConfigurationError("unresolved placeholder {%s} in target url for row %d", name, row.Index)
			}
			continue
		}
		if queryAt >= 0 && loc[0] > queryAt {
			b.WriteString(url.QueryEscape(val))
		} else {
			b.WriteString(url.PathEscape(val))
		}
	}
	if missing != nil {
		return "", missing
	}
	b.WriteString(template[last:])

	resolved := b.String()
	u, err := url.Parse(resolved)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", &resilience.ConfigurationError{Msg: "resolved target is not an absolute url: " + resolved, Err: err}
	}
	return resolved, nil
}
