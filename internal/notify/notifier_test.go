package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// --- test helpers ---

type spyLogger struct {
	infoCalls  []logCall
	errorCalls []logCall
}

type logCall struct {
	msg  string
	args []any
}

func (s *spyLogger) Info(msg string, args ...any) {
	s.infoCalls = append(s.infoCalls, logCall{msg, args})
}
func (s *spyLogger) Error(msg string, args ...any) {
	s.errorCalls = append(s.errorCalls, logCall{msg, args})
}

type stubNotifier struct {
	name string
	errs []error // consumed per call; nil past the end
	sent []Message
}

func (s *stubNotifier) Name() string { return s.name }
func (s *stubNotifier) Send(_ context.Context, msg Message) error {
	s.sent = append(s.sent, msg)
	if len(s.errs) >= len(s.sent) {
		return s.errs[len(s.sent)-1]
	}
	return nil
}

func testMessage(severity string) Message {
	return Message{
		Severity:      severity,
		Title:         "High CPU",
		Body:          "Container: nginx\nValue: 92.5 (threshold 90)\n",
		HostName:      "docker-01",
		ContainerName: "nginx",
		RuleName:      "high cpu",
		Value:         92.5,
		Timestamp:     time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
	}
}

// --- Multi tests ---

func TestMultiDispatchesAll(t *testing.T) {
	a := &stubNotifier{name: "a"}
	b := &stubNotifier{name: "b"}
	log := &spyLogger{}
	m := NewMulti(log, a, b)

	m.Notify(context.Background(), testMessage(SeverityWarning))

	if len(a.sent) != 1 {
		t.Fatalf("notifier a: got %d messages, want 1", len(a.sent))
	}
	if len(b.sent) != 1 {
		t.Fatalf("notifier b: got %d messages, want 1", len(b.sent))
	}
	if a.sent[0].ContainerName != "nginx" {
		t.Errorf("notifier a: container = %q, want nginx", a.sent[0].ContainerName)
	}
}

func TestMultiLogsErrorsButContinues(t *testing.T) {
	failing := &stubNotifier{name: "broken", errs: []error{errors.New("connection refused")}}
	ok := &stubNotifier{name: "ok"}
	log := &spyLogger{}
	m := NewMulti(log, failing, ok)

	result := m.Notify(context.Background(), testMessage(SeverityCritical))

	if !result {
		t.Error("Notify = false although one notifier succeeded")
	}
	if len(ok.sent) != 1 {
		t.Fatalf("ok notifier: got %d messages, want 1", len(ok.sent))
	}
	if len(log.errorCalls) != 1 {
		t.Fatalf("got %d error logs, want 1", len(log.errorCalls))
	}
	if !strings.Contains(log.errorCalls[0].msg, "notification failed") {
		t.Errorf("error log msg = %q, want 'notification failed'", log.errorCalls[0].msg)
	}
}

// --- severity filter tests ---

func TestSeverityFilter(t *testing.T) {
	inner := &stubNotifier{name: "inner"}
	f := newSeverityFiltered(inner, SeverityWarning)

	_ = f.Send(context.Background(), testMessage(SeverityInfo))
	_ = f.Send(context.Background(), testMessage(SeverityWarning))
	_ = f.Send(context.Background(), testMessage(SeverityCritical))

	if len(inner.sent) != 2 {
		t.Fatalf("got %d messages through filter, want 2", len(inner.sent))
	}
	if inner.sent[0].Severity != SeverityWarning || inner.sent[1].Severity != SeverityCritical {
		t.Errorf("wrong messages passed: %v", inner.sent)
	}
}

// --- retry tests ---

func TestRetryEventuallySucceeds(t *testing.T) {
	inner := &stubNotifier{name: "flaky", errs: []error{errors.New("timeout"), errors.New("timeout")}}
	r := newRetrying(inner, 3, time.Millisecond)

	if err := r.Send(context.Background(), testMessage(SeverityInfo)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(inner.sent) != 3 {
		t.Errorf("got %d attempts, want 3", len(inner.sent))
	}
}

func TestRetryGivesUp(t *testing.T) {
	inner := &stubNotifier{name: "dead", errs: []error{
		errors.New("down"), errors.New("down"), errors.New("down"),
	}}
	r := newRetrying(inner, 3, time.Millisecond)

	err := r.Send(context.Background(), testMessage(SeverityInfo))
	if err == nil || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("err = %v, want attempts exhausted", err)
	}
}

// --- Gotify tests ---

func TestGotifySendsCorrectRequest(t *testing.T) {
	var received gotifyMessage
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Gotify-Key")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := NewGotify(srv.URL, "tok-abc")
	if err := g.Send(context.Background(), testMessage(SeverityWarning)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotToken != "tok-abc" {
		t.Errorf("token = %q, want tok-abc", gotToken)
	}
	if received.Title != "High CPU" {
		t.Errorf("title = %q, want 'High CPU'", received.Title)
	}
	if !strings.Contains(received.Message, "nginx") {
		t.Errorf("message does not contain container name: %q", received.Message)
	}
}

func TestGotifyPriority(t *testing.T) {
	tests := []struct {
		severity     string
		wantPriority int
	}{
		{SeverityInfo, 2},
		{SeverityWarning, 5},
		{SeverityCritical, 8},
	}

	for _, tt := range tests {
		t.Run(tt.severity, func(t *testing.T) {
			var received gotifyMessage
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(body, &received)
				w.WriteHeader(http.StatusOK)
			}))
			defer srv.Close()

			g := NewGotify(srv.URL, "tok")
			_ = g.Send(context.Background(), testMessage(tt.severity))

			if received.Priority != tt.wantPriority {
				t.Errorf("priority = %d, want %d", received.Priority, tt.wantPriority)
			}
		})
	}
}

func TestGotifyReturnsErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := NewGotify(srv.URL, "tok")
	if err := g.Send(context.Background(), testMessage(SeverityInfo)); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

// --- Webhook tests ---

func TestWebhookSendsBodyAndHeaders(t *testing.T) {
	var received Message
	var gotAuth string
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	headers := map[string]string{"Authorization": "Bearer secret123"}
	wh := NewWebhook(srv.URL, headers)
	if err := wh.Send(context.Background(), testMessage(SeverityCritical)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotAuth != "Bearer secret123" {
		t.Errorf("Authorization = %q, want 'Bearer secret123'", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
	if received.ContainerName != "nginx" {
		t.Errorf("container = %q, want nginx", received.ContainerName)
	}
	if received.Severity != SeverityCritical {
		t.Errorf("severity = %q, want critical", received.Severity)
	}
}

func TestWebhookReturnsErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, nil)
	if err := wh.Send(context.Background(), testMessage(SeverityInfo)); err == nil {
		t.Fatal("expected error for 403 response")
	}
}

// --- builder tests ---

func TestBuildNotifierAllTypes(t *testing.T) {
	cases := []struct {
		ptype    ProviderType
		settings string
	}{
		{ProviderTelegram, `{"bot_token":"t","chat_id":"c"}`},
		{ProviderDiscord, `{"webhook_url":"https://discord.example/hook"}`},
		{ProviderSlack, `{"webhook_url":"https://hooks.slack.example/x"}`},
		{ProviderPushover, `{"app_token":"a","user_key":"u"}`},
		{ProviderGotify, `{"url":"https://gotify.example","token":"t"}`},
		{ProviderNtfy, `{"server":"https://ntfy.sh","topic":"alerts"}`},
		{ProviderSMTP, `{"host":"mail.example","port":587,"from":"a@b","to":"c@d"}`},
		{ProviderWebhook, `{"url":"https://example.com/hook"}`},
	}
	for _, tc := range cases {
		n, err := BuildNotifier(Channel{Type: tc.ptype, Settings: json.RawMessage(tc.settings)})
		if err != nil {
			t.Errorf("BuildNotifier(%s): %v", tc.ptype, err)
			continue
		}
		if n.Name() != string(tc.ptype) {
			t.Errorf("Name() = %q, want %q", n.Name(), tc.ptype)
		}
	}
}

func TestBuildNotifierUnknownType(t *testing.T) {
	if _, err := BuildNotifier(Channel{Type: "carrier-pigeon", Settings: json.RawMessage(`{}`)}); err == nil {
		t.Fatal("expected error for unknown provider type")
	}
}

// --- masking tests ---

func TestMaskSecretsTelegram(t *testing.T) {
	ch := Channel{
		Type:     ProviderTelegram,
		Settings: json.RawMessage(`{"bot_token":"123456:ABCDEF","chat_id":"99"}`),
	}
	masked := MaskSecrets(ch)

	var s TelegramSettings
	if err := json.Unmarshal(masked.Settings, &s); err != nil {
		t.Fatalf("unmarshal masked: %v", err)
	}
	if s.BotToken != "1234****" {
		t.Errorf("masked token = %q", s.BotToken)
	}
	if s.ChatID != "99" {
		t.Errorf("chat id changed: %q", s.ChatID)
	}
}

func TestMaskSecretsDiscordURL(t *testing.T) {
	ch := Channel{
		Type:     ProviderDiscord,
		Settings: json.RawMessage(`{"webhook_url":"https://discord.com/api/webhooks/1/secretpart"}`),
	}
	masked := MaskSecrets(ch)

	var s DiscordSettings
	if err := json.Unmarshal(masked.Settings, &s); err != nil {
		t.Fatalf("unmarshal masked: %v", err)
	}
	if s.WebhookURL != "https://discord.com/****" {
		t.Errorf("masked url = %q", s.WebhookURL)
	}
}
