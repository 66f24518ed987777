package mailclient

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"gmail-webhook-relay/internal/config"
	"gmail-webhook-relay/internal/credential"
)

// TokenProvider hands out access tokens for XOAUTH2.
type TokenProvider interface {
	GetValidToken(ctx context.Context) (*oauth2.Token, error)
}

// IMAPClient reads the mailbox over IMAP with XOAUTH2. Positions and message
// ids carry the mailbox UIDVALIDITY next to the UID.
// Each call opens its own connection, so concurrent tasks never share one.
type IMAPClient struct {
	addr     string
	user     string
	mailbox  string
	lookback time.Duration
	tokens   TokenProvider
	now      func() time.Time
}

func NewIMAPClient(cfg config.GmailConfig, tokens TokenProvider) *IMAPClient {
	lookback := cfg.InitialLookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &IMAPClient{
		addr:     fmt.Sprintf("%s:%d", cfg.IMAPHost, cfg.IMAPPort),
		user:     cfg.IMAPUser,
		mailbox:  "INBOX",
		lookback: lookback,
		tokens:   tokens,
		now:      time.Now,
	}
}

func (m *IMAPClient) connect(ctx context.Context) (*client.Client, error) {
	tok, err := m.tokens.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}

	c, err := client.DialTLS(m.addr, nil)
	if err != nil {
		return nil, &TransientFetchError{Op: "connect to IMAP server", Err: err}
	}
	c.Timeout = time.Minute

	if err := c.Authenticate(&xoauth2Client{username: m.user, accessToken: tok.AccessToken}); err != nil {
		c.Logout()
		return nil, &credential.AuthError{Reason: "IMAP XOAUTH2 authentication failed", Err: err}
	}

	if _, err := c.Select(m.mailbox, true); err != nil {
		c.Logout()
		return nil, &TransientFetchError{Op: "select " + m.mailbox, Err: err}
	}
	return c, nil
}

// ListSince searches by UID above since, or by date inside the lookback window
// when since is zero or belongs to an earlier UIDVALIDITY.
func (m *IMAPClient) ListSince(ctx context.Context, address string, since Position) ([]Summary, error) {
	c, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	validity := c.Mailbox().UidValidity
	lastUID, resume := resumeUID(since, validity)

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("To", address)
	if resume {
		uids := new(imap.SeqSet)
		uids.AddRange(lastUID+1, 0)
		criteria.Uid = uids
	} else {
		if !since.IsZero() {
			logrus.WithFields(logrus.Fields{"mailbox": m.mailbox, "uidvalidity": validity}).
				Warn("Mailbox UIDVALIDITY changed, rescanning the lookback window")
		}
		criteria.Since = m.now().Add(-m.lookback)
	}

	found, err := c.UidSearch(criteria)
	if err != nil {
		return nil, &TransientFetchError{Op: "search mailbox", Err: err}
	}

	// "N:*" always matches the highest UID, even below N
	var uids []uint32
	for _, uid := range found {
		if !resume || uid > lastUID {
			uids = append(uids, uid)
		}
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid}, messages)
	}()

	var summaries []Summary
	for msg := range messages {
		s := Summary{
			ID:         imapMessageID(validity, msg.Uid),
			ReceivedAt: msg.InternalDate.UTC(),
			Position:   uidPosition(validity, msg.Uid),
		}
		if msg.Envelope != nil {
			s.Subject = msg.Envelope.Subject
			if len(msg.Envelope.From) > 0 {
				s.Sender = formatAddress(msg.Envelope.From[0])
			}
		}
		summaries = append(summaries, s)
	}
	if err := <-done; err != nil {
		return nil, &TransientFetchError{Op: "fetch envelopes", Err: err}
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Position.Value < summaries[j].Position.Value
	})
	return summaries, nil
}

// FetchBody downloads the raw message by UID and extracts its text body.
// An id from an earlier UIDVALIDITY no longer names a message.
func (m *IMAPClient) FetchBody(ctx context.Context, id string) (*Message, error) {
	validity, uid, err := parseIMAPMessageID(id)
	if err != nil {
		return nil, fmt.Errorf("invalid IMAP message id %q: %w", id, ErrNotFound)
	}

	c, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	if current := c.Mailbox().UidValidity; current != validity {
		return nil, fmt.Errorf("message %s predates UIDVALIDITY %d: %w", id, current, ErrNotFound)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	var fetched *imap.Message
	for msg := range messages {
		if fetched == nil {
			fetched = msg
		}
	}
	if err := <-done; err != nil {
		return nil, &TransientFetchError{Op: "fetch message", Err: err}
	}
	if fetched == nil {
		return nil, fmt.Errorf("uid %s: %w", id, ErrNotFound)
	}

	r := fetched.GetBody(section)
	if r == nil {
		return nil, fmt.Errorf("uid %s has no body: %w", id, ErrNotFound)
	}
	body, err := parseMIMEBody(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message %s: %w", id, err)
	}

	out := &Message{ID: id, ReceivedAt: fetched.InternalDate.UTC(), Body: body}
	if fetched.Envelope != nil {
		out.Subject = fetched.Envelope.Subject
		if len(fetched.Envelope.From) > 0 {
			out.Sender = formatAddress(fetched.Envelope.From[0])
		}
	}
	return out, nil
}

// parseMIMEBody returns the first text/plain part, else the first text/html part stripped.
func parseMIMEBody(r io.Reader) (string, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	var plain, htmlBody string
	var sawPlain, sawHTML bool
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			logrus.Debugf("Skipping unreadable MIME part: %v", err)
			break
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		content, err := io.ReadAll(p.Body)
		if err != nil {
			return "", fmt.Errorf("failed to read part body: %w", err)
		}

		switch strings.ToLower(ct) {
		case "text/plain":
			if !sawPlain {
				plain, sawPlain = string(content), true
			}
		case "text/html":
			if !sawHTML {
				htmlBody, sawHTML = string(content), true
			}
		}
	}

	if sawPlain {
		return plain, nil
	}
	if sawHTML {
		return htmlToText(htmlBody), nil
	}
	return "", nil
}

// uidPosition packs UIDVALIDITY above the UID. Servers must raise UIDVALIDITY
// when they renumber, so positions keep increasing across a renumbering.
func uidPosition(validity, uid uint32) Position {
	return Position{
		Value: int64(validity)<<32 | int64(uid),
		Ref:   strconv.FormatUint(uint64(validity), 10),
	}
}

// resumeUID returns the last seen UID when since was recorded under the
// current UIDVALIDITY.
func resumeUID(since Position, validity uint32) (uint32, bool) {
	if since.IsZero() || since.Value>>32 != int64(validity) {
		return 0, false
	}
	return uint32(since.Value), true
}

func imapMessageID(validity, uid uint32) string {
	return fmt.Sprintf("%d:%d", validity, uid)
}

func parseIMAPMessageID(id string) (validity, uid uint32, err error) {
	v, u, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("missing uidvalidity in %q", id)
	}
	pv, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	pu, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(pv), uint32(pu), nil
}

func formatAddress(a *imap.Address) string {
	addr := a.Address()
	if a.PersonalName == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", a.PersonalName, addr)
}

// xoauth2Client implements the SASL XOAUTH2 mechanism Gmail accepts for IMAP.
type xoauth2Client struct {
	username    string
	accessToken string
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	ir = []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.accessToken))
	return "XOAUTH2", ir, nil
}

func (c *xoauth2Client) Next(challenge []byte) (response []byte, err error) {
	// the server only sends a challenge on failure; an empty reply ends the exchange
	return nil, nil
}
