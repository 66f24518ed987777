package mailclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"gmail-webhook-relay/internal/config"
	"gmail-webhook-relay/internal/credential"
)

type fakeMessage struct {
	id       string
	date     int64
	from     string
	subject  string
	plain    string
	status   int
	listOnly bool
}

func fakeGmail(t *testing.T, messages []fakeMessage) (*httptest.Server, *[]string) {
	t.Helper()
	var queries []string
	byID := map[string]fakeMessage{}
	for _, m := range messages {
		byID[m.id] = m
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		const prefix = "/gmail/v1/users/me/messages"
		if r.URL.Path == prefix {
			queries = append(queries, r.URL.Query().Get("q"))
			var refs []string
			// newest first, like the real API
			for i := len(messages) - 1; i >= 0; i-- {
				refs = append(refs, fmt.Sprintf(`{"id":%q}`, messages[i].id))
			}
			fmt.Fprintf(w, `{"messages":[%s]}`, strings.Join(refs, ","))
			return
		}

		id := strings.TrimPrefix(r.URL.Path, prefix+"/")
		m, ok := byID[id]
		if !ok {
			m = fakeMessage{status: http.StatusNotFound}
		}
		if m.status != 0 {
			w.WriteHeader(m.status)
			fmt.Fprintf(w, `{"error":{"code":%d,"message":"fake failure"}}`, m.status)
			return
		}
		fmt.Fprintf(w, `{"id":%q,"internalDate":"%d","payload":{"mimeType":"multipart/alternative","headers":[{"name":"From","value":%q},{"name":"Subject","value":%q}],"parts":[{"mimeType":"text/plain","body":{"data":%q}}]}}`,
			m.id, m.date, m.from, m.subject, b64(m.plain))
	}))
	t.Cleanup(srv.Close)
	return srv, &queries
}

func newTestGmailClient(t *testing.T, srv *httptest.Server) *GmailClient {
	t.Helper()
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "x"})
	c, err := NewGmailClient(context.Background(), ts, config.GmailConfig{UserID: "me", InitialLookback: time.Hour},
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return c
}

func TestGmailListSinceOrdersOldestFirst(t *testing.T) {
	srv, queries := fakeGmail(t, []fakeMessage{
		{id: "m1", date: 1700000000000, from: "Bot <bot@example.com>", subject: "Trading Signal: BUY BTC"},
		{id: "m2", date: 1700000005000, from: "news@example.com", subject: "Newsletter"},
		{id: "m3", date: 1700000009000, from: "bot@example.com", subject: "Trading Signal: SELL"},
	})
	c := newTestGmailClient(t, srv)

	summaries, err := c.ListSince(context.Background(), "alerts@example.com", Position{})
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{summaries[0].ID, summaries[1].ID, summaries[2].ID})
	assert.Equal(t, "Bot <bot@example.com>", summaries[0].Sender)
	assert.Equal(t, "Trading Signal: BUY BTC", summaries[0].Subject)
	assert.Equal(t, Position{Value: 1700000000000, Ref: "m1"}, summaries[0].Position)
	require.NotEmpty(t, *queries)
	assert.Contains(t, (*queries)[0], "to:alerts@example.com")

	summaries, err = c.ListSince(context.Background(), "alerts@example.com", Position{Value: 1700000005000, Ref: "m2"})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "m3", summaries[0].ID)
	assert.Contains(t, (*queries)[1], "after:1700000004")
}

func TestGmailListSinceSkipsVanishedMessages(t *testing.T) {
	srv, _ := fakeGmail(t, []fakeMessage{
		{id: "m1", date: 1700000000000, subject: "a"},
		{id: "gone", status: http.StatusNotFound},
	})
	c := newTestGmailClient(t, srv)

	summaries, err := c.ListSince(context.Background(), "alerts@example.com", Position{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "m1", summaries[0].ID)
}

func TestGmailFetchBody(t *testing.T) {
	srv, _ := fakeGmail(t, []fakeMessage{
		{id: "m1", date: 1700000000000, from: "bot@example.com", subject: "Trading Signal: BUY BTC", plain: "BUY BTC now"},
	})
	c := newTestGmailClient(t, srv)

	msg, err := c.FetchBody(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "BUY BTC now", msg.Body)
	assert.Equal(t, "Trading Signal: BUY BTC", msg.Subject)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), msg.ReceivedAt)
}

func TestGmailErrorClassification(t *testing.T) {
	srv, _ := fakeGmail(t, []fakeMessage{
		{id: "unauthorized", status: http.StatusUnauthorized},
		{id: "unavailable", status: http.StatusServiceUnavailable},
		{id: "throttled", status: http.StatusTooManyRequests},
	})
	c := newTestGmailClient(t, srv)
	ctx := context.Background()

	_, err := c.FetchBody(ctx, "missing")
	assert.True(t, IsNotFound(err))

	_, err = c.FetchBody(ctx, "unauthorized")
	assert.True(t, credential.IsAuthError(err))

	_, err = c.FetchBody(ctx, "unavailable")
	assert.True(t, IsTransient(err))

	_, err = c.FetchBody(ctx, "throttled")
	assert.True(t, IsTransient(err))
}
