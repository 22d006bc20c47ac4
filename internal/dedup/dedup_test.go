package dedup

import (
	"sync"
	"testing"
	"time"

	"github.com/shineum/smtp-sink-lite/internal/email"
)

func TestFingerprint_IgnoresDisplayNamesAndWhitespace(t *testing.T) {
	t.Parallel()

	a := &email.Email{
		To:       []string{"Alice <Alice@Example.com>", "bob@example.com"},
		Subject:  "  Password reset ",
		TextBody: "Click the link\n",
	}
	b := &email.Email{
		To:       []string{"bob@example.com"},
		Cc:       []string{"alice@example.com"},
		Subject:  "Password reset",
		TextBody: "Click the link",
	}

	if Fingerprint(a) != Fingerprint(b) {
		t.Error("expected identical fingerprints for equivalent messages")
	}
}

func TestFingerprint_DiffersOnContent(t *testing.T) {
	t.Parallel()

	base := &email.Email{To: []string{"a@example.com"}, Subject: "Hi", TextBody: "body"}
	cases := map[string]*email.Email{
		"subject":     {To: []string{"a@example.com"}, Subject: "Hello", TextBody: "body"},
		"body":        {To: []string{"a@example.com"}, Subject: "Hi", TextBody: "other"},
		"recipient":   {To: []string{"b@example.com"}, Subject: "Hi", TextBody: "body"},
		"attachments": {To: []string{"a@example.com"}, Subject: "Hi", TextBody: "body", Attachments: []email.Attachment{{Filename: "x"}}},
	}

	for name, msg := range cases {
		if Fingerprint(msg) == Fingerprint(base) {
			t.Errorf("%s: fingerprint should change", name)
		}
	}
}

func TestFingerprint_AttachmentCountOnly(t *testing.T) {
	t.Parallel()

	a := &email.Email{Subject: "s", Attachments: []email.Attachment{{Filename: "one.pdf"}}}
	b := &email.Email{Subject: "s", Attachments: []email.Attachment{{Filename: "two.pdf"}}}
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("only the attachment count should contribute to the fingerprint")
	}
}

func TestNormalizeRecipients(t *testing.T) {
	t.Parallel()

	got := NormalizeRecipients([]string{
		"Carol <carol@example.com>, bob@example.com",
		"BOB@example.com",
		"not an <address",
		"",
	})

	want := []string{"bob@example.com", "carol@example.com", "not an <address"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTable_MarkSeenIsIdempotent(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	tbl.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	if tbl.HasSeen("k") {
		t.Fatal("empty table should not report keys as seen")
	}

	tbl.MarkSeen("k", "pre_send", "run-1")
	tbl.MarkSeen("k", "transport_hook", "run-1")

	if !tbl.HasSeen("k") {
		t.Fatal("expected key to be seen")
	}
	if tbl.Len() != 1 {
		t.Errorf("Len(): got %d, want 1", tbl.Len())
	}

	e, ok := tbl.Lookup("k")
	if !ok {
		t.Fatal("Lookup should find the key")
	}
	if e.Source != "pre_send" {
		t.Errorf("Source: got %q, want first observation %q", e.Source, "pre_send")
	}
	if e.RunID != "run-1" {
		t.Errorf("RunID: got %q, want %q", e.RunID, "run-1")
	}
	if !e.SeenAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("SeenAt: got %v", e.SeenAt)
	}
}

func TestTable_ClaimConcurrent(t *testing.T) {
	t.Parallel()

	tbl := NewTable()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, fresh := tbl.Claim("same", "pre_send", "run"); fresh {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if claims != 1 {
		t.Errorf("fresh claims: got %d, want 1", claims)
	}
}
