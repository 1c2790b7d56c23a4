package gmail

import (
	"encoding/base64"
	"strings"
	"testing"
)

func decodeRaw(t *testing.T, raw string) string {
	t.Helper()
	data, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		t.Fatalf("raw payload is not base64url: %v", err)
	}
	return string(data)
}

func TestEncodeRaw(t *testing.T) {
	msg := &OutboundMessage{
		FromName:  "Alice",
		FromEmail: "alice@acme.io",
		To:        "bob@target.io",
		Subject:   "Quick question",
		HTMLBody:  "<p>Hello Bob</p>",
	}
	decoded := decodeRaw(t, EncodeRaw(msg))

	for _, want := range []string{
		"From: Alice <alice@acme.io>\r\n",
		"To: bob@target.io\r\n",
		"Subject: Quick question\r\n",
		"MIME-Version: 1.0\r\n",
		"Content-Type: text/html; charset=\"UTF-8\"\r\n",
	} {
		if !strings.Contains(decoded, want) {
			t.Errorf("missing header %q in:\n%s", want, decoded)
		}
	}
	if !strings.HasSuffix(decoded, "\r\n\r\n<p>Hello Bob</p>") {
		t.Errorf("body not separated from headers by a blank line:\n%s", decoded)
	}
	if strings.Contains(decoded, "In-Reply-To") || strings.Contains(decoded, "References") {
		t.Error("threading headers must be absent for a first-step message")
	}
}

func TestEncodeRawNoFromName(t *testing.T) {
	msg := &OutboundMessage{
		FromEmail: "alice@acme.io",
		To:        "bob@target.io",
		Subject:   "s",
	}
	decoded := decodeRaw(t, EncodeRaw(msg))
	if !strings.Contains(decoded, "From: alice@acme.io\r\n") {
		t.Errorf("bare address expected without a display name:\n%s", decoded)
	}
}

func TestEncodeRawThreadingHeaders(t *testing.T) {
	msg := &OutboundMessage{
		FromEmail:  "alice@acme.io",
		To:         "bob@target.io",
		Subject:    "Re: Quick question",
		HTMLBody:   "<p>Bumping this</p>",
		InReplyTo:  "<orig@mail.gmail.com>",
		References: "<orig@mail.gmail.com>",
	}
	decoded := decodeRaw(t, EncodeRaw(msg))
	if !strings.Contains(decoded, "In-Reply-To: <orig@mail.gmail.com>\r\n") {
		t.Error("In-Reply-To header missing")
	}
	if !strings.Contains(decoded, "References: <orig@mail.gmail.com>\r\n") {
		t.Error("References header missing")
	}
}

func TestEncodeRawEncodesNonASCIISubject(t *testing.T) {
	msg := &OutboundMessage{
		FromEmail: "alice@acme.io",
		To:        "bob@target.io",
		Subject:   "Présentation rapide",
	}
	decoded := decodeRaw(t, EncodeRaw(msg))
	if strings.Contains(decoded, "Subject: Présentation rapide\r\n") {
		t.Error("non-ASCII subject should be MIME-encoded")
	}
	if !strings.Contains(decoded, "=?utf-8?q?") {
		t.Errorf("expected Q-encoded subject, got:\n%s", decoded)
	}
}
