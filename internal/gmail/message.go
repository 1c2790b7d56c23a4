package gmail

import (
	"encoding/base64"
	"fmt"
	"mime"
	"strings"
)

// OutboundMessage is a fully-rendered email ready for wire encoding. For
// follow-up steps the threading fields link the message to the original
// conversation so receiving clients keep it in the same thread.
type OutboundMessage struct {
	FromName   string
	FromEmail  string
	To         string
	Subject    string
	HTMLBody   string
	ThreadID   string
	InReplyTo  string
	References string
	Headers    map[string]string
}

// EncodeRaw builds the RFC 2822 message and returns it base64url-encoded,
// the format the Gmail API's raw field expects.
func EncodeRaw(msg *OutboundMessage) string {
	var sb strings.Builder

	from := msg.FromEmail
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", msg.FromName), msg.FromEmail)
	}
	fmt.Fprintf(&sb, "From: %s\r\n", from)
	fmt.Fprintf(&sb, "To: %s\r\n", msg.To)
	fmt.Fprintf(&sb, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	if msg.InReplyTo != "" {
		fmt.Fprintf(&sb, "In-Reply-To: %s\r\n", msg.InReplyTo)
	}
	if msg.References != "" {
		fmt.Fprintf(&sb, "References: %s\r\n", msg.References)
	}
	for k, v := range msg.Headers {
		fmt.Fprintf(&sb, "%s: %s\r\n", k, v)
	}
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(msg.HTMLBody)

	return base64.URLEncoding.EncodeToString([]byte(sb.String()))
}
