package core

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// memoryEntry is one value held by the in-process store.
// A zero expiresAt means the entry never expires.
type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// memoryStore is the in-process fallback used while the remote cache is unreachable.
// Expired entries are swept lazily on reads; there is no background timer.
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func newMemoryStore(now func() time.Time) *memoryStore {
	if now == nil {
		now = time.Now
	}
	return &memoryStore{entries: make(map[string]memoryEntry), now: now}
}

func (m *memoryStore) set(key, value string, ttl time.Duration) {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
}

func (m *memoryStore) get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	e, ok := m.entries[key]
	if !ok {
		return "", false
	}
	return e.value, true
}

func (m *memoryStore) del(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

func (m *memoryStore) exists(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	_, ok := m.entries[key]
	return ok
}

// ttl returns whole seconds remaining (rounded up), TTLNoExpiry or TTLAbsent.
func (m *memoryStore) ttl(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return TTLAbsent
	}
	if e.expiresAt.IsZero() {
		return TTLNoExpiry
	}
	remaining := e.expiresAt.Sub(m.now())
	if remaining <= 0 {
		delete(m.entries, key)
		return TTLAbsent
	}
	return int64((remaining + time.Second - 1) / time.Second)
}

func (m *memoryStore) deletePattern(pattern string) int {
	re := globToRegexp(pattern)
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	now := m.now()
	for key, e := range m.entries {
		if !re.MatchString(key) {
			continue
		}
		delete(m.entries, key)
		if !e.expired(now) {
			deleted++
		}
	}
	return deleted
}

func (m *memoryStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	return len(m.entries)
}

func (m *memoryStore) sweepLocked() {
	now := m.now()
	for key, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, key)
		}
	}
}

// globToRegexp compiles a Redis MATCH pattern into a whole-key regexp so the
// fallback store deletes exactly what SCAN would. '*' is any run, '?' is one
// character, [...] is a set with optional '^' and ranges, and '\' makes the
// next character literal. An unterminated '[' is literal.
func globToRegexp(pattern string) *regexp.Regexp {
	rs := []rune(pattern)
	var b strings.Builder
	b.WriteString("(?s)^")
	for i := 0; i < len(rs); i++ {
		switch r := rs[i]; r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '\\':
			if i+1 < len(rs) {
				i++
			}
			b.WriteString(regexp.QuoteMeta(string(rs[i])))
		case '[':
			class, n, ok := globClass(rs[i+1:])
			if !ok {
				b.WriteString(`\[`)
				continue
			}
			b.WriteString(class)
			i += n
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// globClass translates the body of a [...] set. n is the number of runes
// consumed including the closing ']'.
func globClass(rs []rune) (class string, n int, ok bool) {
	i := 0
	negate := false
	if i < len(rs) && rs[i] == '^' {
		negate = true
		i++
	}
	var items strings.Builder
	empty := true
	for ; i < len(rs); i++ {
		r := rs[i]
		switch {
		case r == ']':
			switch {
			case empty && negate:
				return ".", i + 1, true
			case empty:
				// matches nothing
				return `[^\x00-\x{10FFFF}]`, i + 1, true
			case negate:
				return "[^" + items.String() + "]", i + 1, true
			default:
				return "[" + items.String() + "]", i + 1, true
			}
		case r == '\\' && i+1 < len(rs):
			i++
			items.WriteString(classRune(rs[i]))
		case i+2 < len(rs) && rs[i+1] == '-' && rs[i+2] != ']':
			lo, hi := r, rs[i+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			items.WriteString(classRune(lo) + "-" + classRune(hi))
			i += 2
		default:
			items.WriteString(classRune(r))
		}
		empty = false
	}
	return "", 0, false
}

func classRune(r rune) string {
	if r < 0x80 && !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9') {
		return `\` + string(r)
	}
	return string(r)
}

// EscapeGlob backslash-escapes the characters a MATCH pattern treats as special,
// so s can be embedded in a pattern and only match itself.
func EscapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
