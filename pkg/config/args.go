package config

import (
	"fmt"
	"strings"
	"unicode"
)

// ParsePluginArgs parses the values of repeated --plugin-args flags. Each
// value has the form "<plugin>: <args>", args are split with SplitArgs and
// appended to whatever was already given for the same plugin.
func ParsePluginArgs(values []string) (map[string][]string, error) {
	r := map[string][]string{}
	for _, v := range values {
		name, rest, ok := strings.Cut(v, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("malformed plugin arguments %q, expected \"<plugin>: <args>\"", v)
		}
		r[name] = append(r[name], SplitArgs(rest)...)
	}
	return r, nil
}

// SplitArgs splits in like a shell would: fields are separated by spaces,
// single and double quotes group, a backslash escapes the next character
// outside single quotes. Empty quoted strings yield empty fields.
func SplitArgs(in string) []string {
	var (
		r       []string
		field   strings.Builder
		inField bool
		quote   rune
		escaped bool
	)

	for _, ch := range in {
		switch {
		case escaped:
			field.WriteRune(ch)
			escaped = false
		case ch == '\\' && quote != '\'':
			escaped = true
			inField = true
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				field.WriteRune(ch)
			}
		case ch == '\'' || ch == '"':
			quote = ch
			inField = true
		case unicode.IsSpace(ch):
			if inField {
				r = append(r, field.String())
				field.Reset()
				inField = false
			}
		default:
			field.WriteRune(ch)
			inField = true
		}
	}

	if inField {
		r = append(r, field.String())
	}
	return r
}
