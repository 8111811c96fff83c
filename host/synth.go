package host

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/meshforge-dev/meshforge/wire"
)

// Entry points follow a naming convention: execute asks for "spur" and
// the script must define "gen_spur". The prefix keeps arbitrary module
// functions out of reach of external callers.
const entryPrefix = "gen_"

// synthesizeCall builds the guest source text for one entry-point
// invocation: an import followed by a single prefixed call with literal
// arguments. Keyword arguments render in sorted order so the same
// request always produces the same source.
func synthesizeCall(module, entry string, pos []any, kw map[string]any) (string, error) {
	if !isIdentifier(module) {
		return "", badArg(fmt.Sprintf("module %q is not a valid identifier", module))
	}
	if !isIdentifier(entry) {
		return "", badArg(fmt.Sprintf("entry point %q is not a valid identifier", entry))
	}

	rendered := make([]string, 0, len(pos)+len(kw))
	for i, a := range pos {
		lit, err := scriptLiteral(a)
		if err != nil {
			return "", badArg(fmt.Sprintf("argument %d: %v", i, err))
		}
		rendered = append(rendered, lit)
	}

	keys := make([]string, 0, len(kw))
	for k := range kw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !isIdentifier(k) {
			return "", badArg(fmt.Sprintf("keyword %q is not a valid identifier", k))
		}
		lit, err := scriptLiteral(kw[k])
		if err != nil {
			return "", badArg(fmt.Sprintf("keyword %s: %v", k, err))
		}
		rendered = append(rendered, k+"="+lit)
	}

	return fmt.Sprintf("import %s\n%s.%s%s(%s)\n",
		module, module, entryPrefix, entry, strings.Join(rendered, ", ")), nil
}

// scriptLiteral renders one boundary value as guest source. Only the
// closed set of marshalable kinds is accepted; containers and other
// structured values never cross as call arguments.
func scriptLiteral(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "None", nil
	case bool:
		if x {
			return "True", nil
		}
		return "False", nil
	case int:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		// JSON decoding delivers every number as float64; render the
		// integral ones back as integer literals.
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return strconv.FormatInt(int64(x), 10), nil
		}
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case string:
		return quoteScriptString(x), nil
	}
	return "", fmt.Errorf("unsupported argument type %T", v)
}

// quoteScriptString renders s as a single-quoted guest string literal.
func quoteScriptString(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\x%02x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// isIdentifier reports whether s is a plain ASCII identifier: the only
// names that may appear in synthesized source.
func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_',
			r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func badArg(msg string) error {
	return &wire.BoundaryUsageError{Code: wire.CodeBadArgs, Message: msg}
}
