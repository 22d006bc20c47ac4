// Package dedup fingerprints outgoing messages and remembers which
// fingerprints were already forwarded during this process lifetime.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/shineum/smtp-sink-lite/internal/email"
)

// Key is the fingerprint of a normalized message. Uniqueness is
// best-effort; it is a deduplication key, not a security primitive.
type Key string

// normalized is the tuple hashed into a Key. Field order is part of the
// fingerprint format.
type normalized struct {
	Recipients  []string `json:"r"`
	Subject     string   `json:"s"`
	Body        string   `json:"b"`
	Attachments int      `json:"a"`
}

// Fingerprint derives the Key of msg from its bare, lower-cased recipient
// set, trimmed subject, trimmed body and attachment count.
func Fingerprint(msg *email.Email) Key {
	n := normalized{
		Recipients:  NormalizeRecipients(msg.Recipients()),
		Subject:     strings.TrimSpace(msg.Subject),
		Body:        strings.TrimSpace(msg.Body()),
		Attachments: len(msg.Attachments),
	}
	// Marshalling a struct of strings and ints cannot fail.
	data, _ := json.Marshal(n)
	sum := sha256.Sum256(data)
	return Key(hex.EncodeToString(sum[:]))
}

// NormalizeRecipients flattens recipient entries into a sorted set of bare
// addresses. Entries may hold display names or comma-separated lists.
func NormalizeRecipients(raw []string) []string {
	seen := make(map[string]struct{})
	for _, entry := range raw {
		for _, addr := range splitAddresses(entry) {
			addr = strings.ToLower(strings.TrimSpace(addr))
			if addr == "" {
				continue
			}
			seen[addr] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for addr := range seen {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func splitAddresses(entry string) []string {
	if list, err := mail.ParseAddressList(entry); err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, a.Address)
		}
		return out
	}

	var out []string
	for _, part := range strings.Split(entry, ",") {
		if start := strings.LastIndex(part, "<"); start >= 0 {
			if end := strings.Index(part[start:], ">"); end > 0 {
				part = part[start+1 : start+end]
			}
		}
		out = append(out, part)
	}
	return out
}

// Entry records where and when a fingerprint was first observed.
type Entry struct {
	SeenAt time.Time
	Source string
	RunID  string
}

// Table is the in-memory processed-requests table. It is safe for
// concurrent use and is never persisted.
type Table struct {
	mu      sync.Mutex
	entries map[Key]Entry
	now     func() time.Time
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{
		entries: make(map[Key]Entry),
		now:     time.Now,
	}
}

// HasSeen reports whether key was already marked.
func (t *Table) HasSeen(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// MarkSeen records key. Marking an already known key keeps the first entry.
func (t *Table) MarkSeen(key Key, source, runID string) {
	t.Claim(key, source, runID)
}

// Claim marks key and reports true if it was not seen before. When the key
// is already known the existing entry is returned with false.
func (t *Table) Claim(key Key, source, runID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.entries[key]; ok {
		return prev, false
	}
	e := Entry{SeenAt: t.now().UTC(), Source: source, RunID: runID}
	t.entries[key] = e
	return e, true
}

// Lookup returns the entry stored for key.
func (t *Table) Lookup(key Key) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	return e, ok
}

// Len returns the number of distinct fingerprints recorded.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
