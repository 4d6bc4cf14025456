package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"
)

// EventPayload is the data passed to sinks.
type EventPayload struct {
	EventType   string
	Contract    string
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
	CampaignID  *uint64
	Timestamp   time.Time
	// Fields are the decoded event arguments.
	Fields map[string]any
	// Data is Fields rendered as JSON.
	Data string
}

// Sender delivers one event to an external system.
type Sender interface {
	Send(ctx context.Context, payload EventPayload) error
}

// bodyFunc turns a payload and its rendered message into a request body.
type bodyFunc func(payload EventPayload, message string) any

type httpSender struct {
	url     string
	method  string
	render  *template.Template
	body    bodyFunc
	client  *http.Client
	headers map[string]string
}

// webhookBody is the JSON document posted by generic webhook sinks.
type webhookBody struct {
	Message     string          `json:"message"`
	EventType   string          `json:"event_type"`
	Contract    string          `json:"contract"`
	TxHash      string          `json:"tx_hash"`
	BlockNumber uint64          `json:"block_number"`
	LogIndex    uint            `json:"log_index"`
	CampaignID  *uint64         `json:"campaign_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// NewWebhookSender builds a generic HTTP sink that posts the whole event as JSON.
func NewWebhookSender(url, method, tmpl string, headers map[string]string) (Sender, error) {
	return newHTTPSender(url, method, tmpl, headers, func(p EventPayload, msg string) any {
		body := webhookBody{
			Message:     msg,
			EventType:   p.EventType,
			Contract:    p.Contract,
			TxHash:      p.TxHash,
			BlockNumber: p.BlockNumber,
			LogIndex:    p.LogIndex,
			CampaignID:  p.CampaignID,
			Timestamp:   p.Timestamp,
		}
		if json.Valid([]byte(p.Data)) {
			body.Data = json.RawMessage(p.Data)
		}
		return body
	})
}

// NewSlackSender builds a Slack incoming-webhook sink.
func NewSlackSender(url, tmpl string) (Sender, error) {
	return newHTTPSender(url, http.MethodPost, tmpl, nil, func(_ EventPayload, msg string) any {
		return map[string]string{"text": msg}
	})
}

// NewTeamsSender builds a Teams connector sink posting a MessageCard.
func NewTeamsSender(url, tmpl string) (Sender, error) {
	return newHTTPSender(url, http.MethodPost, tmpl, nil, func(p EventPayload, msg string) any {
		return map[string]string{
			"@type":    "MessageCard",
			"@context": "https://schema.org/extensions",
			"summary":  p.EventType,
			"text":     msg,
		}
	})
}

func newHTTPSender(url, method, tmpl string, headers map[string]string, body bodyFunc) (Sender, error) {
	if url == "" {
		return nil, fmt.Errorf("sink url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	h := map[string]string{"Content-Type": "application/json"}
	for k, v := range headers {
		h[k] = v
	}
	return &httpSender{
		url:     url,
		method:  strings.ToUpper(method),
		render:  t,
		body:    body,
		client:  defaultClient(),
		headers: h,
	}, nil
}

func (s *httpSender) Send(ctx context.Context, payload EventPayload) error {
	msg, err := executeTemplate(s.render, payload)
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(s.body(payload, msg))
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s event: %w", payload.EventType, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink responded %d for %s", resp.StatusCode, payload.TxHash)
	}
	return nil
}

const defaultTemplate = "{{.EventType}} campaign {{campaign .CampaignID}} tx {{short_addr .TxHash}} block {{.BlockNumber}}"

func parseTemplate(tmpl string) (*template.Template, error) {
	if tmpl == "" {
		tmpl = defaultTemplate
	}
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"short_addr": func(addr string) string {
			if len(addr) <= 10 {
				return addr
			}
			return addr[:6] + "..." + addr[len(addr)-4:]
		},
		"campaign": func(id *uint64) string {
			if id == nil {
				return "-"
			}
			return fmt.Sprintf("%d", *id)
		},
	}
	t, err := template.New("msg").Funcs(funcs).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return t, nil
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 8 * time.Second,
	}
}
