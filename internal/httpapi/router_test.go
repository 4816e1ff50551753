package httpapi

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"formbot/handler"
	"formbot/internal/domain"
	"formbot/internal/integrations/paramstore"
	"formbot/internal/usecase"
)

type stubTurner struct {
	mu      sync.Mutex
	ins     []domain.Inbound
	err     error
	failFor map[string]error
}

func (s *stubTurner) HandleInbound(_ context.Context, in domain.Inbound) (usecase.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ins = append(s.ins, in)
	if s.err != nil {
		return usecase.Reply{}, s.err
	}
	if err := s.failFor[in.SenderID]; err != nil {
		return usecase.Reply{}, err
	}
	return usecase.Reply{
		SessionID: domain.SessionID(in.SenderID),
		Messages:  []domain.Outbound{{To: domain.SessionID(in.SenderID), Text: "echo " + in.Text}},
	}, nil
}

type stubObserver struct {
	mu     sync.Mutex
	routes []string
}

func (o *stubObserver) ObserveHTTP(method, route string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes = append(o.routes, method+" "+route)
}

func (o *stubObserver) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.routes...)
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(cfg))
	t.Cleanup(srv.Close)
	return srv
}

func postForm(t *testing.T, srv *httptest.Server, from, body string) *http.Response {
	t.Helper()
	form := url.Values{"From": {from}, "Body": {body}}
	res, err := http.PostForm(srv.URL+"/twilio", form)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func decodeXML(res *http.Response, v any) error {
	return xml.NewDecoder(res.Body).Decode(v)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, Config{Turner: &stubTurner{}})
	res, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NotEmpty(t, res.Header.Get("X-Correlation-Id"))
}

func TestTwilio_RepliesWithTwiML(t *testing.T) {
	turner := &stubTurner{}
	obs := &stubObserver{}
	srv := newTestServer(t, Config{Turner: turner, Observer: obs})

	res := postForm(t, srv, "whatsapp:+491701234567", "hallo")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "application/xml", res.Header.Get("Content-Type"))

	var doc struct {
		Messages []string `xml:"Message"`
	}
	require.NoError(t, decodeXML(res, &doc))
	require.Equal(t, []string{"echo hallo"}, doc.Messages)
	require.Equal(t, "whatsapp:+491701234567", turner.ins[0].SenderID)
	require.Equal(t, []string{"POST /twilio"}, obs.seen())
}

func TestMeta_RepliesWithJSON(t *testing.T) {
	srv := newTestServer(t, Config{Turner: &stubTurner{}})
	body := `{"entry":[{"changes":[{"value":{"messages":[{"from":"4917","type":"text","text":{"body":"en"}}]}}]}]}`
	res, err := http.Post(srv.URL+"/meta", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var out struct {
		Messages []domain.Outbound `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	require.Equal(t, []domain.Outbound{{To: "4917", Text: "echo en"}}, out.Messages)
}

const metaBatch = `{"entry":[{"changes":[{"value":{"messages":[
	{"id":"wamid.1","from":"4917","type":"text","text":{"body":"one"}},
	{"id":"wamid.2","from":"4918","type":"text","text":{"body":"two"}}
]}}]}]}`

func postMeta(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	res, err := http.Post(srv.URL+"/meta", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func TestMeta_FailedMessageDoesNotDropBatch(t *testing.T) {
	turner := &stubTurner{failFor: map[string]error{
		"4918": &usecase.Error{Code: usecase.ErrorInternal, Reason: "session_save_error"},
	}}
	srv := newTestServer(t, Config{Turner: turner})

	res := postMeta(t, srv, metaBatch)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var out handler.MessagesResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	require.Equal(t, []domain.Outbound{{To: "4917", Text: "echo one"}}, out.Messages)
	require.Equal(t, 1, out.Failed)
	require.Len(t, turner.ins, 2)
	require.Equal(t, "wamid.1", turner.ins[0].MessageID)
}

func TestMeta_WholeBatchFailed(t *testing.T) {
	srv := newTestServer(t, Config{Turner: &stubTurner{err: &usecase.Error{Code: usecase.ErrorConflict, Reason: "session_conflict"}}})
	require.Equal(t, http.StatusConflict, postMeta(t, srv, metaBatch).StatusCode)
}

func TestMeta_RateLimitedSenderKeepsOthers(t *testing.T) {
	turner := &stubTurner{}
	srv := newTestServer(t, Config{Turner: turner, Limiter: NewRateLimiter(0.001, 1)})

	require.Equal(t, http.StatusOK, postMeta(t, srv, metaBatch).StatusCode)

	body := `{"entry":[{"changes":[{"value":{"messages":[
		{"id":"wamid.3","from":"4917","type":"text","text":{"body":"again"}},
		{"id":"wamid.4","from":"4919","type":"text","text":{"body":"new"}}
	]}}]}]}`
	res := postMeta(t, srv, body)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var out handler.MessagesResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	require.Equal(t, []domain.Outbound{{To: "4919", Text: "echo new"}}, out.Messages)
	require.Equal(t, 1, out.Failed)

	only := `{"entry":[{"changes":[{"value":{"messages":[{"id":"wamid.5","from":"4918","type":"text","text":{"body":"x"}}]}}]}]}`
	require.Equal(t, http.StatusTooManyRequests, postMeta(t, srv, only).StatusCode)
	require.Len(t, turner.ins, 3)
}

func TestMeta_Verification(t *testing.T) {
	srv := newTestServer(t, Config{
		Turner:      &stubTurner{},
		VerifyToken: paramstore.Static{"verify": "s3cret"},
		VerifyParam: "verify",
	})

	res, err := http.Get(srv.URL + "/meta?hub.mode=subscribe&hub.verify_token=s3cret&hub.challenge=42")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var buf strings.Builder
	_, _ = io.Copy(&buf, res.Body)
	require.Equal(t, "42", buf.String())

	res2, err := http.Get(srv.URL + "/meta?hub.mode=subscribe&hub.verify_token=bad&hub.challenge=42")
	require.NoError(t, err)
	defer res2.Body.Close()
	require.Equal(t, http.StatusForbidden, res2.StatusCode)
}

func TestTwilio_MapsErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "conflict", err: &usecase.Error{Code: usecase.ErrorConflict, Reason: "session_conflict"}, status: http.StatusConflict},
		{name: "invalid", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_sender"}, status: http.StatusBadRequest},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "session_load_error"}, status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, Config{Turner: &stubTurner{err: tc.err}})
			res := postForm(t, srv, "whatsapp:+4917", "hi")
			require.Equal(t, tc.status, res.StatusCode)
		})
	}
}

func TestTwilio_MissingSender(t *testing.T) {
	turner := &stubTurner{}
	srv := newTestServer(t, Config{Turner: turner})
	res := postForm(t, srv, "", "hi")
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Empty(t, turner.ins)
}

func TestTwilio_RateLimitedPerSender(t *testing.T) {
	turner := &stubTurner{}
	srv := newTestServer(t, Config{Turner: turner, Limiter: NewRateLimiter(0.001, 2)})

	require.Equal(t, http.StatusOK, postForm(t, srv, "whatsapp:+4917", "1").StatusCode)
	require.Equal(t, http.StatusOK, postForm(t, srv, "whatsapp:+4917", "2").StatusCode)
	require.Equal(t, http.StatusTooManyRequests, postForm(t, srv, "whatsapp:+4917", "3").StatusCode)
	// another sender has its own budget
	require.Equal(t, http.StatusOK, postForm(t, srv, "whatsapp:+4918", "1").StatusCode)
	require.Len(t, turner.ins, 3)
}

func TestRecovery(t *testing.T) {
	srv := newTestServer(t, Config{Turner: panicTurner{}})
	res := postForm(t, srv, "whatsapp:+4917", "hi")
	require.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

type panicTurner struct{}

func (panicTurner) HandleInbound(context.Context, domain.Inbound) (usecase.Reply, error) {
	panic("boom")
}
