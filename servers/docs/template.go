package docs

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/yosida95/uritemplate/v3"
)

// Template is a parsed resource URI template such as "aurora://docs/{docFile}". A template
// without placeholders is a list form: it matches every URI that starts with its literal.
type Template struct {
	raw    string
	tmpl   *uritemplate.Template
	tokens []token
}

type token struct {
	literal     string
	placeholder string
}

type captureKind int

const (
	scalarCapture captureKind = iota
	segmentsCapture
)

// capture is the value bound to a placeholder before it leaves the matcher: a single
// segment, or several path segments that still have to be joined.
type capture struct {
	kind     captureKind
	scalar   string
	segments []string
}

// ParseTemplate parses raw. Only simple {name} expressions are accepted, and two
// placeholders must be separated by literal text.
func ParseTemplate(raw string) (*Template, error) {
	tmpl, err := uritemplate.New(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid uri template %q: %w", raw, err)
	}

	t := &Template{raw: raw, tmpl: tmpl}
	rest := raw
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			t.tokens = append(t.tokens, token{literal: rest})
			break
		}
		if open > 0 {
			t.tokens = append(t.tokens, token{literal: rest[:open]})
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return nil, fmt.Errorf("invalid uri template %q: unclosed expression", raw)
		}
		name := rest[open+1 : open+end]
		if !isSimpleName(name) {
			return nil, fmt.Errorf("invalid uri template %q: only simple {name} expressions are supported", raw)
		}
		if n := len(t.tokens); n > 0 && t.tokens[n-1].placeholder != "" {
			return nil, fmt.Errorf("invalid uri template %q: adjacent placeholders", raw)
		}
		t.tokens = append(t.tokens, token{placeholder: name})
		rest = rest[open+end+1:]
	}

	if got, want := len(t.Placeholders()), len(tmpl.Varnames()); got != want {
		return nil, fmt.Errorf("invalid uri template %q: expected %d placeholders, parsed %d", raw, want, got)
	}

	return t, nil
}

// MustParseTemplate is like ParseTemplate but panics if raw is invalid.
func MustParseTemplate(raw string) *Template {
	t, err := ParseTemplate(raw)
	if err != nil {
		panic(err)
	}
	return t
}

func isSimpleName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r != '_' && (r < '0' || r > '9') && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// String returns the template as written.
func (t *Template) String() string { return t.raw }

// Placeholders returns the placeholder names in order of appearance.
func (t *Template) Placeholders() []string {
	var names []string
	for _, tok := range t.tokens {
		if tok.placeholder != "" {
			names = append(names, tok.placeholder)
		}
	}
	return names
}

// Prefix returns the literal text before the first placeholder.
func (t *Template) Prefix() string {
	if len(t.tokens) == 0 || t.tokens[0].placeholder != "" {
		return ""
	}
	return t.tokens[0].literal
}

// IsList reports whether the template has no placeholders.
func (t *Template) IsList() bool {
	return len(t.Placeholders()) == 0
}

// Match extracts the placeholder values of uri. A placeholder spanning several path
// segments is returned joined with the platform path separator. The list form returns an
// empty map for any uri starting with its literal.
func (t *Template) Match(uri string) (map[string]string, bool) {
	params := make(map[string]string)

	if t.IsList() {
		return params, strings.HasPrefix(uri, t.raw)
	}

	rest := uri
	for i, tok := range t.tokens {
		if tok.placeholder == "" {
			if !strings.HasPrefix(rest, tok.literal) {
				return nil, false
			}
			rest = rest[len(tok.literal):]
			continue
		}

		var value string
		if i == len(t.tokens)-1 {
			value, rest = rest, ""
		} else {
			next := t.tokens[i+1].literal
			end := strings.Index(rest, next)
			if end < 0 {
				return nil, false
			}
			value, rest = rest[:end], rest[end:]
		}

		c, ok := parseCapture(value)
		if !ok {
			return nil, false
		}
		params[tok.placeholder] = c.join()
	}

	if rest != "" {
		return nil, false
	}
	return params, true
}

// Expand substitutes params into the template.
func (t *Template) Expand(params map[string]string) (string, error) {
	values := uritemplate.Values{}
	for name, value := range params {
		values.Set(name, uritemplate.String(value))
	}
	uri, err := t.tmpl.Expand(values)
	if err != nil {
		return "", fmt.Errorf("failed to expand %q: %w", t.raw, err)
	}
	return uri, nil
}

// parseCapture splits a raw placeholder value into decoded path segments. Empty values,
// empty segments and undecodable escapes do not match.
func parseCapture(value string) (capture, bool) {
	if value == "" {
		return capture{}, false
	}

	parts := strings.Split(value, "/")
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return capture{}, false
		}
		seg, err := url.PathUnescape(p)
		if err != nil || seg == "" {
			return capture{}, false
		}
		segments = append(segments, seg)
	}

	if len(segments) == 1 {
		return capture{kind: scalarCapture, scalar: segments[0]}, true
	}
	return capture{kind: segmentsCapture, segments: segments}, true
}

func (c capture) join() string {
	if c.kind == segmentsCapture {
		return filepath.Join(c.segments...)
	}
	return c.scalar
}
