package mailclient

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmail "google.golang.org/api/gmail/v1"
)

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func TestExtractGmailBodyPrefersPlainText(t *testing.T) {
	payload := &gmail.MessagePart{
		MimeType: "multipart/alternative",
		Parts: []*gmail.MessagePart{
			{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<p>Hello <b>HTML</b></p>")}},
			{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("Hello plain")}},
		},
	}
	body, err := extractGmailBody(payload)
	require.NoError(t, err)
	assert.Equal(t, "Hello plain", body)
}

func TestExtractGmailBodyFallsBackToHTML(t *testing.T) {
	payload := &gmail.MessagePart{
		MimeType: "multipart/mixed",
		Parts: []*gmail.MessagePart{
			{MimeType: "text/plain", Filename: "notes.txt", Body: &gmail.MessagePartBody{Data: b64("attachment")}},
			{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<style>p{}</style><p>BUY&nbsp;BTC &amp; ETH</p><br/>now")}},
		},
	}
	body, err := extractGmailBody(payload)
	require.NoError(t, err)
	assert.Equal(t, "BUY BTC & ETH\n\nnow", body)
}

func TestExtractGmailBodyDecodesCharset(t *testing.T) {
	latin1 := []byte{'c', 'a', 'f', 0xe9}
	payload := &gmail.MessagePart{
		MimeType: "text/plain",
		Headers:  []*gmail.MessagePartHeader{{Name: "Content-Type", Value: `text/plain; charset="ISO-8859-1"`}},
		Body:     &gmail.MessagePartBody{Data: base64.RawURLEncoding.EncodeToString(latin1)},
	}
	body, err := extractGmailBody(payload)
	require.NoError(t, err)
	assert.Equal(t, "café", body)
}

func TestDecodeHeader(t *testing.T) {
	assert.Equal(t, "Trading Signal", decodeHeader("Trading Signal"))
	assert.Equal(t, "¡Hola, señor!", decodeHeader("=?UTF-8?Q?=C2=A1Hola,_se=C3=B1or!?="))
}

func TestParseMIMEBody(t *testing.T) {
	raw := strings.Join([]string{
		"From: Bot <bot@example.com>",
		"To: alerts@example.com",
		"Subject: Trading Signal: BUY BTC",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="XYZ"`,
		"",
		"--XYZ",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>ignored</p>",
		"--XYZ",
		"Content-Type: text/plain; charset=utf-8",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"BUY BTC at 42=2C000",
		"--XYZ--",
		"",
	}, "\r\n")

	body, err := parseMIMEBody(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "BUY BTC at 42,000", strings.TrimSpace(body))
}

func TestParseMIMEBodyHTMLOnly(t *testing.T) {
	raw := strings.Join([]string{
		"From: bot@example.com",
		"Subject: html",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<div>Line one</div><div>Line two</div>",
		"",
	}, "\r\n")

	body, err := parseMIMEBody(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "Line one\nLine two", body)
}

func TestPositionOrdering(t *testing.T) {
	a := Position{Value: 100, Ref: "a"}
	b := Position{Value: 100, Ref: "b"}
	c := Position{Value: 101}

	assert.True(t, b.After(a))
	assert.True(t, c.After(b))
	assert.False(t, a.After(a))
	assert.True(t, Position{}.IsZero())
	assert.False(t, c.IsZero())
}
