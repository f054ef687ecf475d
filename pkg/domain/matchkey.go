package domain

import (
	"fmt"
	"slices"
	"strings"
)

// Wildcard is the reserved parameter signature matching every overload of a member.
const Wildcard = "*"

// MatchKey identifies a targetable call site: the owner type name, the member name and the
// ordered parameter type names. A Params of exactly [Wildcard] matches any signature.
type MatchKey struct {
	Owner  string
	Member string
	Params []string
}

// NewMatchKey builds a key from explicit parameter type names.
func NewMatchKey(owner, member string, params ...string) MatchKey {
	cleaned := make([]string, len(params))
	for i, p := range params {
		cleaned[i] = strings.TrimSpace(p)
	}
	return MatchKey{
		Owner:  strings.TrimSpace(owner),
		Member: strings.TrimSpace(member),
		Params: cleaned,
	}
}

// WildcardKey returns the key matching every signature of owner.member.
func WildcardKey(owner, member string) MatchKey {
	return NewMatchKey(owner, member, Wildcard)
}

// ParseMatchKey builds a key from a comma-joined parameter specification. An empty spec means
// the member takes no parameters; "*" is the wildcard.
func ParseMatchKey(owner, member, spec string) MatchKey {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return NewMatchKey(owner, member)
	}
	return NewMatchKey(owner, member, strings.Split(spec, ",")...)
}

// IsWildcard reports whether the key carries the wildcard signature.
func (k MatchKey) IsWildcard() bool {
	return len(k.Params) == 1 && k.Params[0] == Wildcard
}

// Equal reports structural equality over owner, member and parameters.
func (k MatchKey) Equal(other MatchKey) bool {
	return k.Owner == other.Owner && k.Member == other.Member && slices.Equal(k.Params, other.Params)
}

// ID returns the canonical identity of the key. Two keys have the same ID iff they are Equal,
// so the ID is safe to use as a map key. Every field participates.
func (k MatchKey) ID() string {
	var b strings.Builder
	b.Grow(len(k.Owner) + len(k.Member) + 8*len(k.Params) + 1)
	b.WriteString(k.Owner)
	b.WriteByte(0)
	b.WriteString(k.Member)
	for _, p := range k.Params {
		b.WriteByte(0)
		b.WriteString(p)
	}
	return b.String()
}

// ParamSpec renders the parameters back into their comma-joined form.
func (k MatchKey) ParamSpec() string {
	return strings.Join(k.Params, ",")
}

// String renders the key for logs as owner.member(params).
func (k MatchKey) String() string {
	return k.Owner + "." + k.Member + "(" + k.ParamSpec() + ")"
}

// ParseKey parses the rendered form produced by String, "owner.member(params)". The owner may
// itself contain dots; the member is the segment after the last one.
func ParseKey(s string) (MatchKey, error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return MatchKey{}, fmt.Errorf("%w: %q: missing parameter list", ErrInvalidKey, s)
	}
	head, spec := s[:open], s[open+1:len(s)-1]
	dot := strings.LastIndexByte(head, '.')
	if dot <= 0 || dot == len(head)-1 {
		return MatchKey{}, fmt.Errorf("%w: %q: expected owner.member", ErrInvalidKey, s)
	}
	return ParseMatchKey(head[:dot], head[dot+1:], spec), nil
}

// Validate reports keys that can never match a call site.
func (k MatchKey) Validate() error {
	if k.Owner == "" || k.Member == "" {
		return fmt.Errorf("%w: owner and member are required", ErrInvalidKey)
	}
	for _, p := range k.Params {
		if p == "" {
			return fmt.Errorf("%w: %s: empty parameter type", ErrInvalidKey, k)
		}
	}
	if len(k.Params) > 1 && slices.Contains(k.Params, Wildcard) {
		return fmt.Errorf("%w: %s: wildcard must be the only parameter", ErrInvalidKey, k)
	}
	return nil
}
