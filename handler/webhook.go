package handler

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"formbot/internal/domain"
	"formbot/internal/usecase"
)

var (
	ErrMissingSender = errors.New("webhook: sender is missing")
	ErrMalformed     = errors.New("webhook: malformed payload")
)

// ParseTwilio decodes a form-encoded Twilio messaging webhook.
func ParseTwilio(body string) (domain.Inbound, error) {
	vals, err := url.ParseQuery(body)
	if err != nil {
		return domain.Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	from := strings.TrimSpace(vals.Get("From"))
	if from == "" {
		return domain.Inbound{}, ErrMissingSender
	}
	return domain.Inbound{
		SenderID:  from,
		Text:      vals.Get("Body"),
		MessageID: strings.TrimSpace(vals.Get("MessageSid")),
	}, nil
}

type metaPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					ID   string `json:"id"`
					From string `json:"from"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseMeta decodes a WhatsApp Cloud API webhook. Only text messages are
// returned; status callbacks and media yield an empty slice.
func ParseMeta(body []byte) ([]domain.Inbound, error) {
	var p metaPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var out []domain.Inbound
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			for _, m := range c.Value.Messages {
				if m.Type != "text" || strings.TrimSpace(m.From) == "" {
					continue
				}
				out = append(out, domain.Inbound{SenderID: m.From, Text: m.Text.Body, MessageID: strings.TrimSpace(m.ID)})
			}
		}
	}
	return out, nil
}

type twiml struct {
	XMLName  xml.Name `xml:"Response"`
	Messages []string `xml:"Message"`
}

// TwiML renders replies as a Twilio messaging response.
func TwiML(msgs []domain.Outbound) (string, error) {
	doc := twiml{Messages: make([]string, 0, len(msgs))}
	for _, m := range msgs {
		doc.Messages = append(doc.Messages, m.Text)
	}
	b, err := xml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return xml.Header + string(b), nil
}

// MessagesResponse is the JSON reply of the Meta webhook. Failed counts the
// messages of the batch whose turn returned an error.
type MessagesResponse struct {
	Messages []domain.Outbound `json:"messages"`
	Failed   int               `json:"failed,omitempty"`
}

// BatchError is the failure of one message of a webhook batch.
type BatchError struct {
	Inbound domain.Inbound
	Err     error
}

// RunBatch runs turn for every message on its own. Replies of the turns that
// succeeded are collected in order; a failed message does not stop the rest.
func RunBatch(ctx context.Context, ins []domain.Inbound, turn func(context.Context, domain.Inbound) (usecase.Reply, error)) (MessagesResponse, []BatchError) {
	out := MessagesResponse{Messages: []domain.Outbound{}}
	var failed []BatchError
	for _, in := range ins {
		reply, err := turn(ctx, in)
		if err != nil {
			failed = append(failed, BatchError{Inbound: in, Err: err})
			continue
		}
		out.Messages = append(out.Messages, reply.Messages...)
	}
	out.Failed = len(failed)
	return out, failed
}

// VerifyChallenge checks a Meta subscription handshake and returns the
// challenge to echo back.
func VerifyChallenge(query map[string]string, token string) (string, bool) {
	if token == "" || query["hub.mode"] != "subscribe" || query["hub.verify_token"] != token {
		return "", false
	}
	return query["hub.challenge"], true
}
