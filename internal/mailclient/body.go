package mailclient

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html"
	"io"
	"mime"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
	gmail "google.golang.org/api/gmail/v1"
)

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	blockTagRe    = regexp.MustCompile(`(?i)<(br|/p|/div|/tr|/li|/h[1-6])\s*/?>`)
	tagRe         = regexp.MustCompile(`<[^>]*>`)
	blankLinesRe  = regexp.MustCompile(`\n{3,}`)
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := ianaindex.MIME.Encoding(strings.ToLower(charset))
	if err != nil || enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	return enc.NewDecoder().Reader(input), nil
}

// decodeHeader decodes RFC 2047 encoded words, returning v unchanged when it cannot.
func decodeHeader(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

// decodeCharset converts b to UTF-8. Unknown charsets pass through untouched.
func decodeCharset(b []byte, charset string) string {
	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset == "" || charset == "utf-8" || charset == "us-ascii" {
		return string(b)
	}
	r, err := charsetReader(charset, bytes.NewReader(b))
	if err != nil {
		return string(b)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// htmlToText strips markup well enough for webhook consumers and audit snippets.
func htmlToText(s string) string {
	s = scriptStyleRe.ReplaceAllString(s, "")
	s = blockTagRe.ReplaceAllString(s, "\n")
	s = tagRe.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = strings.ReplaceAll(s, "\r\n", "\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankLinesRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Gmail returns part data as URL-safe base64, sometimes without padding.
func decodePartData(data string) ([]byte, error) {
	b, err := base64.URLEncoding.DecodeString(data)
	if err == nil {
		return b, nil
	}
	b, rawErr := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if rawErr != nil {
		return nil, fmt.Errorf("failed to decode body data: %w", err)
	}
	return b, nil
}

func partCharset(p *gmail.MessagePart) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, "Content-Type") {
			_, params, err := mime.ParseMediaType(h.Value)
			if err == nil {
				return params["charset"]
			}
		}
	}
	return ""
}

func findPart(p *gmail.MessagePart, mimeType string) *gmail.MessagePart {
	if p == nil {
		return nil
	}
	if strings.EqualFold(p.MimeType, mimeType) && p.Filename == "" && p.Body != nil && p.Body.Data != "" {
		return p
	}
	for _, sub := range p.Parts {
		if found := findPart(sub, mimeType); found != nil {
			return found
		}
	}
	return nil
}

func partText(p *gmail.MessagePart) (string, error) {
	data, err := decodePartData(p.Body.Data)
	if err != nil {
		return "", err
	}
	return decodeCharset(data, partCharset(p)), nil
}

// extractGmailBody prefers text/plain, then stripped text/html, then the top-level body.
func extractGmailBody(payload *gmail.MessagePart) (string, error) {
	if payload == nil {
		return "", nil
	}
	if p := findPart(payload, "text/plain"); p != nil {
		return partText(p)
	}
	if p := findPart(payload, "text/html"); p != nil {
		text, err := partText(p)
		if err != nil {
			return "", err
		}
		return htmlToText(text), nil
	}
	if payload.Body != nil && payload.Body.Data != "" {
		text, err := partText(payload)
		if err != nil {
			return "", err
		}
		if strings.Contains(strings.ToLower(payload.MimeType), "html") {
			return htmlToText(text), nil
		}
		return text, nil
	}
	return "", nil
}
