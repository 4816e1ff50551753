package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"formbot/internal/domain"
	"formbot/internal/integrations/paramstore"
	"formbot/internal/usecase"
)

type stubUseCase struct {
	out usecase.Reply
	err error
	// failFor fails the turns of the listed senders only.
	failFor map[string]error
	ins     []domain.Inbound
}

func (s *stubUseCase) HandleMessage(_ context.Context, in domain.Inbound) (usecase.Reply, error) {
	s.ins = append(s.ins, in)
	if s.err != nil {
		return usecase.Reply{}, s.err
	}
	if err := s.failFor[in.SenderID]; err != nil {
		return usecase.Reply{}, err
	}
	return s.out, nil
}

type stubDetector map[string]string

func (d stubDetector) Detect(text string) string { return d[text] }

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Body:       body,
	}
}

func twilioBody(from, text string) string {
	return url.Values{"From": {from}, "Body": {text}}.Encode()
}

const metaBody = `{
  "entry": [{
    "changes": [{
      "value": {
        "messages": [
          {"from": "491701234567", "type": "text", "text": {"body": "Hallo"}},
          {"from": "491701234567", "type": "image"}
        ]
      }
    }]
  }]
}`

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func reply(texts ...string) usecase.Reply {
	r := usecase.Reply{SessionID: "491701234567"}
	for _, txt := range texts {
		r.Messages = append(r.Messages, domain.Outbound{To: "491701234567", Text: txt})
	}
	return r
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_TwilioHappyPath(t *testing.T) {
	uc := &stubUseCase{out: reply("Sprache wählen:", "1. Deutsch & mehr")}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/twilio", twilioBody("whatsapp:+491701234567", "hallo")))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/xml", resp.Headers["Content-Type"])
	require.Equal(t, []domain.Inbound{{SenderID: "whatsapp:+491701234567", Text: "hallo"}}, uc.ins)
	require.Contains(t, resp.Body, "<Response><Message>Sprache wählen:</Message><Message>1. Deutsch &amp; mehr</Message></Response>")
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_TwilioBase64Body(t *testing.T) {
	uc := &stubUseCase{out: reply("ok")}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent(http.MethodPost, "/twilio", base64.StdEncoding.EncodeToString([]byte(twilioBody("whatsapp:+4917", "en"))))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "en", uc.ins[0].Text)
}

func TestHandle_TwilioMissingSender(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/twilio", "Body=hi"))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, uc.ins)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
}

func TestHandle_DetectsLocaleHint(t *testing.T) {
	uc := &stubUseCase{out: reply("ok")}
	h, err := NewHandler(uc, WithDetector(stubDetector{"Hello": "en"}))
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), makeEvent(http.MethodPost, "/twilio", twilioBody("whatsapp:+4917", "Hello")))
	require.NoError(t, err)
	require.Equal(t, "en", uc.ins[0].LocaleHint)
}

func TestHandle_MetaTextMessagesOnly(t *testing.T) {
	uc := &stubUseCase{out: reply("Sprache wählen:")}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/webhook/meta/", metaBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, uc.ins, 1)
	require.Equal(t, "491701234567", uc.ins[0].SenderID)

	out := parseBody[MessagesResponse](t, resp.Body)
	require.Equal(t, reply("Sprache wählen:").Messages, out.Messages)
}

const metaBatchBody = `{
  "entry": [{
    "changes": [{
      "value": {
        "messages": [
          {"id": "wamid.1", "from": "491701111111", "type": "text", "text": {"body": "Hallo"}},
          {"id": "wamid.2", "from": "491702222222", "type": "text", "text": {"body": "Hi"}}
        ]
      }
    }]
  }]
}`

func TestHandle_MetaBatchKeepsRepliesOfHealthyMessages(t *testing.T) {
	conflict := &usecase.Error{Code: usecase.ErrorConflict, Reason: "session_conflict"}
	uc := &stubUseCase{out: reply("Sprache wählen:"), failFor: map[string]error{"491702222222": conflict}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/meta", metaBatchBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, uc.ins, 2)
	require.Equal(t, "wamid.2", uc.ins[1].MessageID)

	out := parseBody[MessagesResponse](t, resp.Body)
	require.Equal(t, reply("Sprache wählen:").Messages, out.Messages)
	require.Equal(t, 1, out.Failed)
}

func TestHandle_MetaBatchAllFailed(t *testing.T) {
	uc := &stubUseCase{err: &usecase.Error{Code: usecase.ErrorConflict, Reason: "session_conflict"}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/meta", metaBatchBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Len(t, uc.ins, 2)
	require.Equal(t, string(usecase.ErrorConflict), parseBody[errorResponse](t, resp.Body).Error)
}

func TestRunBatch(t *testing.T) {
	ins := []domain.Inbound{{SenderID: "1", Text: "a"}, {SenderID: "2", Text: "b"}, {SenderID: "3", Text: "c"}}
	boom := errors.New("boom")
	out, failed := RunBatch(context.Background(), ins, func(_ context.Context, in domain.Inbound) (usecase.Reply, error) {
		if in.SenderID == "2" {
			return usecase.Reply{}, boom
		}
		return usecase.Reply{Messages: []domain.Outbound{{To: in.SenderID, Text: "re " + in.Text}}}, nil
	})
	require.Equal(t, []domain.Outbound{{To: "1", Text: "re a"}, {To: "3", Text: "re c"}}, out.Messages)
	require.Equal(t, 1, out.Failed)
	require.Equal(t, []BatchError{{Inbound: ins[1], Err: boom}}, failed)

	out, failed = RunBatch(context.Background(), nil, nil)
	require.Empty(t, failed)
	require.Equal(t, MessagesResponse{Messages: []domain.Outbound{}}, out)
}

func TestParseTwilio_MessageSid(t *testing.T) {
	body := url.Values{"From": {"whatsapp:+4917"}, "Body": {"hi"}, "MessageSid": {" SM123 "}}.Encode()
	in, err := ParseTwilio(body)
	require.NoError(t, err)
	require.Equal(t, domain.Inbound{SenderID: "whatsapp:+4917", Text: "hi", MessageID: "SM123"}, in)
}

func TestParseMeta_MessageIDs(t *testing.T) {
	ins, err := ParseMeta([]byte(metaBatchBody))
	require.NoError(t, err)
	require.Equal(t, []domain.Inbound{
		{SenderID: "491701111111", Text: "Hallo", MessageID: "wamid.1"},
		{SenderID: "491702222222", Text: "Hi", MessageID: "wamid.2"},
	}, ins)
}

func TestHandle_MetaStatusCallback(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/meta", `{"entry":[{"changes":[{"value":{"statuses":[{}]}}]}]}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, uc.ins)
	require.JSONEq(t, `{"messages":[]}`, resp.Body)
}

func TestHandle_MetaInvalidBody(t *testing.T) {
	h, err := NewHandler(&stubUseCase{})
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/meta", `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_MetaVerification(t *testing.T) {
	h, err := NewHandler(&stubUseCase{}, WithVerifyToken(paramstore.Static{"verify": "s3cret"}, "verify"))
	require.NoError(t, err)

	cases := []struct {
		name   string
		query  map[string]string
		status int
		body   string
	}{
		{name: "match", query: map[string]string{"hub.mode": "subscribe", "hub.verify_token": "s3cret", "hub.challenge": "1158201444"}, status: http.StatusOK, body: "1158201444"},
		{name: "wrong token", query: map[string]string{"hub.mode": "subscribe", "hub.verify_token": "nope", "hub.challenge": "1"}, status: http.StatusForbidden},
		{name: "wrong mode", query: map[string]string{"hub.mode": "unsubscribe", "hub.verify_token": "s3cret"}, status: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event := makeEvent(http.MethodGet, "/meta", "")
			event.QueryStringParameters = tc.query
			resp, err := h.Handle(context.Background(), event)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
			if tc.body != "" {
				require.Equal(t, tc.body, resp.Body)
			}
		})
	}
}

func TestHandle_MetaVerificationDisabled(t *testing.T) {
	h, err := NewHandler(&stubUseCase{})
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/meta", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandle_UnknownRoute(t *testing.T) {
	h, err := NewHandler(&stubUseCase{})
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/ask", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_sender"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "conflict", err: &usecase.Error{Code: usecase.ErrorConflict, Reason: "session_conflict"}, status: http.StatusConflict, code: string(usecase.ErrorConflict)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "forward_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "session_save_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{err: tc.err}
			h, err := NewHandler(uc)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/twilio", twilioBody("whatsapp:+4917", "hi")))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	uc := &stubUseCase{out: reply("ok")}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent(http.MethodPost, "/twilio", twilioBody("whatsapp:+4917", "hi"))
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestTwiML_Empty(t *testing.T) {
	doc, err := TwiML(nil)
	require.NoError(t, err)
	require.Contains(t, doc, "<Response></Response>")
}
