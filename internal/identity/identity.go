// Package identity canonicalizes chat identifiers so that routing is stable
// across formatting variants. Chat GUIDs take the form "service;-;address"
// (e.g. "iMessage;-;+15551234567", "SMS;-;user@example.com") or an opaque
// group identifier like "chat812634...".
package identity

import "strings"

const guidSeparator = ";-;"

// Normalize lowercases a chat GUID and canonicalizes its address portion.
// Phone-like addresses keep only digits and '+', so "+1 (555) 123-4567" and
// "15551234567" normalize identically modulo the leading '+'. Email
// addresses are only lowercased.
func Normalize(guid string) string {
	guid = strings.ToLower(strings.TrimSpace(guid))
	service, address, ok := splitGUID(guid)
	if !ok {
		return guid
	}
	return service + guidSeparator + NormalizeAddress(address)
}

// NormalizeAddress canonicalizes the address portion of a GUID.
func NormalizeAddress(address string) string {
	address = strings.ToLower(strings.TrimSpace(address))
	if strings.Contains(address, "@") {
		return address
	}
	var b strings.Builder
	for _, r := range address {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Address extracts the normalized address portion of a GUID, or the whole
// normalized GUID when it carries no service prefix.
func Address(guid string) string {
	_, address, ok := splitGUID(strings.ToLower(strings.TrimSpace(guid)))
	if !ok {
		return NormalizeAddress(guid)
	}
	return NormalizeAddress(address)
}

func splitGUID(guid string) (service, address string, ok bool) {
	idx := strings.LastIndex(guid, guidSeparator)
	if idx < 0 {
		return "", "", false
	}
	return guid[:idx], guid[idx+len(guidSeparator):], true
}

// Matcher decides whether an incoming chat identifier belongs to a logical
// conversation that may be backed by several provider-side GUIDs (e.g. an
// iMessage thread and its SMS fallback counterpart).
type Matcher struct {
	guids     map[string]struct{}
	addresses map[string]struct{}
}

// NewMatcher builds a matcher from a primary GUID plus its merged set.
func NewMatcher(primary string, merged []string) *Matcher {
	m := &Matcher{
		guids:     make(map[string]struct{}, len(merged)+1),
		addresses: make(map[string]struct{}, len(merged)+1),
	}
	m.add(primary)
	for _, g := range merged {
		m.add(g)
	}
	return m
}

func (m *Matcher) add(guid string) {
	if guid == "" {
		return
	}
	m.guids[Normalize(guid)] = struct{}{}
	if addr := Address(guid); addr != "" {
		m.addresses[addr] = struct{}{}
	}
}

// Matches reports whether the incoming identifier refers to this
// conversation: exact normalized-GUID membership first, address-portion
// match as a secondary check. Phone-number punctuation and a missing
// leading '+' do not defeat the address match.
func (m *Matcher) Matches(incoming string) bool {
	if incoming == "" {
		return false
	}
	if _, ok := m.guids[Normalize(incoming)]; ok {
		return true
	}
	addr := Address(incoming)
	if addr == "" {
		return false
	}
	if _, ok := m.addresses[addr]; ok {
		return true
	}
	// Retry with the '+' stripped so "+15551234567" matches "15551234567".
	bare := strings.TrimPrefix(addr, "+")
	for have := range m.addresses {
		if strings.TrimPrefix(have, "+") == bare {
			return true
		}
	}
	return false
}
