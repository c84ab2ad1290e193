// Package pattern compiles action patterns into canonical token lists
package pattern

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Wildcard is the value that turns a token into a wildcard match on its key.
const Wildcard = "*"

// GroupSeparator joins canonical pins into a pattern-group key.
const GroupSeparator = ":::"

// Pattern compilation errors
var (
	ErrEmptyPattern   = errors.New("empty pattern")
	ErrInvalidPattern = errors.New("invalid pattern")
)

// Token is one attribute of a pattern, either key:value or a key wildcard.
type Token struct {
	Key   string
	Value string
	Wild  bool
}

// String returns the serialized form used for ordering and trie edges.
func (t Token) String() string {
	if t.Wild {
		return t.Key + ":" + Wildcard
	}
	return t.Key + ":" + t.Value
}

// Spec is a pattern specification before compilation. It is either a Literal
// string or an Attributes map.
type Spec interface {
	isSpec()
}

// Literal is a flat "key:value,key:value" pattern string.
type Literal string

// Attributes is a pattern given as an attribute map.
type Attributes map[string]any

func (Literal) isSpec()    {}
func (Attributes) isSpec() {}

// Pattern is a compiled pattern. Tokens are unique by key and sorted by their
// serialized form, so the same semantic pattern always yields the same list.
type Pattern struct {
	Tokens []Token
}

// Compile parses spec into a canonical pattern. A value of "*" produces a
// wildcard token.
func Compile(spec Spec) (Pattern, error) {
	return compile(spec, true)
}

// ParseFact parses spec as a concrete fact: "*" is kept as a literal value.
func ParseFact(spec Spec) (Pattern, error) {
	return compile(spec, false)
}

// MustCompile is like Compile but panics on error.
func MustCompile(spec Spec) Pattern {
	p, err := Compile(spec)
	if err != nil {
		panic(err)
	}
	return p
}

func compile(spec Spec, wild bool) (Pattern, error) {
	var tokens map[string]Token
	var err error

	switch s := spec.(type) {
	case Literal:
		tokens, err = parseLiteral(string(s), wild)
	case Attributes:
		tokens = fromAttributes(s, wild)
	case nil:
		return Pattern{}, ErrEmptyPattern
	default:
		return Pattern{}, fmt.Errorf("%w: unsupported spec %T", ErrInvalidPattern, spec)
	}
	if err != nil {
		return Pattern{}, err
	}
	if len(tokens) == 0 {
		return Pattern{}, ErrEmptyPattern
	}

	return newPattern(tokens), nil
}

func parseLiteral(s string, wild bool) (map[string]Token, error) {
	tokens := make(map[string]Token)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		key, value, ok := strings.Cut(part, ":")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !ok || !validKey(key) || value == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, part)
		}

		// later pairs override earlier ones for the same key
		tokens[key] = Token{Key: key, Value: value, Wild: wild && value == Wildcard}
	}
	return tokens, nil
}

func fromAttributes(attrs Attributes, wild bool) map[string]Token {
	tokens := make(map[string]Token, len(attrs))
	for key, v := range attrs {
		if strings.Contains(key, "$") || !validKey(key) {
			continue
		}
		value, ok := Scalar(v)
		if !ok {
			continue
		}
		tokens[key] = Token{Key: key, Value: value, Wild: wild && value == Wildcard}
	}
	return tokens
}

// Scalar formats v as a token value. Only strings, booleans and numbers are
// routable; anything else reports false.
func Scalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, x != ""
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.Itoa(x), true
	case int8, int16, int32, int64:
		return fmt.Sprintf("%d", x), true
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	default:
		return "", false
	}
}

func validKey(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func newPattern(tokens map[string]Token) Pattern {
	list := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].String() < list[j].String()
	})
	return Pattern{Tokens: list}
}

// Canonical returns the joined token list. Equal patterns have equal canonical
// strings.
func (p Pattern) Canonical() string {
	parts := make([]string, len(p.Tokens))
	for i, t := range p.Tokens {
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}

// String implements fmt.Stringer.
func (p Pattern) String() string {
	return p.Canonical()
}

// IsZero reports whether p has no tokens.
func (p Pattern) IsZero() bool {
	return len(p.Tokens) == 0
}

// Exact returns the key:value tokens.
func (p Pattern) Exact() []Token {
	out := make([]Token, 0, len(p.Tokens))
	for _, t := range p.Tokens {
		if !t.Wild {
			out = append(out, t)
		}
	}
	return out
}

// Wild returns the wildcard tokens.
func (p Pattern) Wild() []Token {
	var out []Token
	for _, t := range p.Tokens {
		if t.Wild {
			out = append(out, t)
		}
	}
	return out
}

// Attrs returns the exact tokens as an attribute map.
func (p Pattern) Attrs() map[string]any {
	out := make(map[string]any, len(p.Tokens))
	for _, t := range p.Tokens {
		if !t.Wild {
			out[t.Key] = t.Value
		}
	}
	return out
}

// With returns a new pattern holding p's tokens merged with extra. Tokens in
// extra replace tokens of p with the same key.
func (p Pattern) With(extra ...Token) Pattern {
	tokens := make(map[string]Token, len(p.Tokens)+len(extra))
	for _, t := range p.Tokens {
		tokens[t.Key] = t
	}
	for _, t := range extra {
		tokens[t.Key] = t
	}
	return newPattern(tokens)
}

// Group builds the pattern-group key for a set of pins.
func Group(pins ...Pattern) string {
	keys := make([]string, len(pins))
	for i, p := range pins {
		keys[i] = p.Canonical()
	}
	sort.Strings(keys)
	return strings.Join(keys, GroupSeparator)
}
