package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pricealerts/internal/models"
)

type recordingTransport struct {
	mu    sync.Mutex
	sent  []string
	fail  map[string]bool
	delay time.Duration
}

func (r *recordingTransport) Send(ctx context.Context, destination, message string) error {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.fail[destination] {
		return errors.New("gateway rejected " + destination)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, destination+"|"+message)
	return nil
}

type memoryClaimer struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func (m *memoryClaimer) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func crossing(tier models.Tier, price float64) models.CrossingEvent {
	return models.CrossingEvent{
		InstrumentID:   "inst-1",
		OwnerID:        "user-1",
		Tier:           tier,
		ThresholdPrice: price,
		TickerSymbol:   "aapl",
		PeriodMonth:    "March",
		PeriodYear:     2024,
	}
}

func TestFormatMessage(t *testing.T) {
	got := FormatMessage(crossing(models.SwingTrade, 140), true)
	want := "$AAPL march 2024 Swing Trade at $140 has triggered."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	got = FormatMessage(crossing(models.LoadTheBoat, 129.75), false)
	if !strings.HasPrefix(got, TestMarker) {
		t.Fatalf("non-production message lacks marker: %q", got)
	}
	if !strings.Contains(got, "Load The Boat at $129.75") {
		t.Fatalf("unexpected body: %q", got)
	}
}

func TestDispatch_OneMessagePerEventPerContact(t *testing.T) {
	sms := &recordingTransport{}
	d := NewDispatcher(map[string]Transport{ChannelSMS: sms}, Options{Production: true, Timeout: time.Second})

	events := []models.CrossingEvent{crossing(models.LoadTheBoat, 130), crossing(models.SwingTrade, 140)}
	contacts := []models.Contact{{Channel: ChannelSMS, Address: "+1555001"}, {Channel: ChannelSMS, Address: "+1555002"}}

	outcomes := d.Dispatch(context.Background(), events, contacts)
	if len(outcomes) != 4 {
		t.Fatalf("expected 4 outcomes, got %d", len(outcomes))
	}
	if len(Failed(outcomes)) != 0 {
		t.Fatalf("unexpected failures: %+v", Failed(outcomes))
	}
	if len(sms.sent) != 4 {
		t.Fatalf("expected 4 sends, got %d", len(sms.sent))
	}
	if outcomes[0].Event.Tier != models.LoadTheBoat || outcomes[3].Contact.Address != "+1555002" {
		t.Fatalf("outcome order: %+v", outcomes)
	}
}

func TestDispatch_ContactFailureIsIndependent(t *testing.T) {
	sms := &recordingTransport{fail: map[string]bool{"+1555001": true}}
	d := NewDispatcher(map[string]Transport{ChannelSMS: sms}, Options{Timeout: time.Second})

	contacts := []models.Contact{{Channel: ChannelSMS, Address: "+1555001"}, {Channel: ChannelSMS, Address: "+1555002"}}
	outcomes := d.Dispatch(context.Background(), []models.CrossingEvent{crossing(models.QuickEntry, 150)}, contacts)

	failed := Failed(outcomes)
	if len(failed) != 1 || failed[0].Contact.Address != "+1555001" {
		t.Fatalf("expected exactly the first contact to fail: %+v", failed)
	}
	if len(sms.sent) != 1 || !strings.HasPrefix(sms.sent[0], "+1555002|"+TestMarker) {
		t.Fatalf("second contact should still receive the test-marked alert: %v", sms.sent)
	}
}

func TestDispatch_UnknownChannel(t *testing.T) {
	d := NewDispatcher(map[string]Transport{}, Options{})
	outcomes := d.Dispatch(context.Background(),
		[]models.CrossingEvent{crossing(models.QuickEntry, 150)},
		[]models.Contact{{Channel: "pager", Address: "42"}})

	if len(outcomes) != 1 || !errors.Is(outcomes[0].Err, ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %+v", outcomes)
	}
}

func TestDispatch_SendTimeout(t *testing.T) {
	slow := &recordingTransport{delay: time.Second}
	d := NewDispatcher(map[string]Transport{ChannelPush: slow}, Options{Timeout: 20 * time.Millisecond})

	outcomes := d.Dispatch(context.Background(),
		[]models.CrossingEvent{crossing(models.QuickEntry, 150)},
		[]models.Contact{{Channel: ChannelPush, Address: "token"}})

	if !errors.Is(outcomes[0].Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", outcomes[0].Err)
	}
}

func TestDispatch_ClaimSuppressesRepeat(t *testing.T) {
	sms := &recordingTransport{}
	claimer := &memoryClaimer{keys: map[string]bool{}}
	d := NewDispatcher(map[string]Transport{ChannelSMS: sms}, Options{Timeout: time.Second, Claimer: claimer})

	events := []models.CrossingEvent{crossing(models.QuickEntry, 150)}
	contacts := []models.Contact{{Channel: ChannelSMS, Address: "+1555001"}}

	d.Dispatch(context.Background(), events, contacts)
	second := d.Dispatch(context.Background(), events, contacts)

	if !second[0].Duplicate || second[0].Err != nil {
		t.Fatalf("second dispatch should be a duplicate: %+v", second[0])
	}
	if len(sms.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(sms.sent))
	}
}

func TestDispatch_ClaimErrorStillSends(t *testing.T) {
	sms := &recordingTransport{}
	claimer := &memoryClaimer{err: errors.New("redis down")}
	d := NewDispatcher(map[string]Transport{ChannelSMS: sms}, Options{Timeout: time.Second, Claimer: claimer})

	outcomes := d.Dispatch(context.Background(),
		[]models.CrossingEvent{crossing(models.QuickEntry, 150)},
		[]models.Contact{{Channel: ChannelSMS, Address: "+1555001"}})

	if outcomes[0].Err != nil || len(sms.sent) != 1 {
		t.Fatalf("expected send despite claim error: %+v, sent=%v", outcomes[0], sms.sent)
	}
}

func TestWebhookTransport(t *testing.T) {
	var received Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		if received.Destination == "+1000" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewWebhookTransport(srv.URL)
	if err := tr.Send(context.Background(), "+1555001", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if received.Destination != "+1555001" || received.Message != "hello" || received.Timestamp == "" {
		t.Fatalf("payload: %+v", received)
	}

	if err := tr.Send(context.Background(), "+1000", "hello"); err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestEmailTransport(t *testing.T) {
	tr := NewEmailTransport("smtp.example.com", 587, "", "", "alerts@example.com")

	var gotTo []string
	var gotMsg string
	tr.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		if addr != "smtp.example.com:587" {
			t.Errorf("addr: %s", addr)
		}
		gotTo = to
		gotMsg = string(msg)
		return nil
	}

	msg := FormatMessage(crossing(models.QuickEntry, 150), false)
	if err := tr.Send(context.Background(), "user@example.com", msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(gotTo) != 1 || gotTo[0] != "user@example.com" {
		t.Fatalf("recipients: %v", gotTo)
	}
	if !strings.Contains(gotMsg, "Subject: [TEST] $AAPL march 2024 Quick Entry at $150 has triggered.") {
		t.Fatalf("subject missing: %q", gotMsg)
	}
}

func TestEmailTransport_HeaderInjection(t *testing.T) {
	tr := NewEmailTransport("smtp.example.com", 587, "", "", "alerts@example.com")

	var gotTo []string
	var gotMsg string
	tr.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotTo = to
		gotMsg = string(msg)
		return nil
	}

	ev := crossing(models.QuickEntry, 150)
	ev.TickerSymbol = "AAPL\rBcc: victim@example.com"
	if err := tr.Send(context.Background(), "user@example.com\r\nBcc: other@example.com", FormatMessage(ev, true)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	headers, _, _ := strings.Cut(gotMsg, "\r\n\r\n")
	for _, line := range strings.Split(headers, "\r\n") {
		if strings.HasPrefix(strings.ToLower(line), "bcc:") || strings.ContainsAny(line, "\r\n") {
			t.Fatalf("injected header line %q in %q", line, headers)
		}
	}
	if len(gotTo) != 1 || strings.ContainsAny(gotTo[0], "\r\n") {
		t.Fatalf("recipients: %q", gotTo)
	}
}

type fakePublisher struct {
	channel, message string
}

func (f *fakePublisher) Publish(_ context.Context, channel, message string) error {
	f.channel, f.message = channel, message
	return nil
}

func TestStreamTransport(t *testing.T) {
	pub := &fakePublisher{}
	if err := NewStreamTransport(pub).Send(context.Background(), "user-1", "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if pub.channel != AlertsChannel {
		t.Fatalf("channel: %s", pub.channel)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(pub.message), &env); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if env.Destination != "user-1" || env.Message != "hi" {
		t.Fatalf("envelope: %+v", env)
	}
}

func TestParseContacts(t *testing.T) {
	contacts, err := ParseContacts([]string{"SMS:+15550001", " email : a@example.com "})
	if err != nil {
		t.Fatalf("ParseContacts: %v", err)
	}
	if contacts[0].Channel != "sms" || contacts[1].Address != "a@example.com" {
		t.Fatalf("contacts: %+v", contacts)
	}
	if _, err := ParseContact("no-separator"); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadFileDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contacts.yaml")
	content := `
default:
  - channel: sms
    address: "+15550001"
owners:
  user-2:
    - channel: email
      address: b@example.com
    - channel: push
      address: expo-token
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	dir, err := LoadFileDirectory(path)
	if err != nil {
		t.Fatalf("LoadFileDirectory: %v", err)
	}

	ctx := context.Background()
	def, _ := dir.Contacts(ctx, "user-1")
	if len(def) != 1 || def[0].Address != "+15550001" {
		t.Fatalf("default contacts: %+v", def)
	}
	own, _ := dir.Contacts(ctx, "user-2")
	if len(own) != 2 || own[1].Channel != ChannelPush {
		t.Fatalf("owner contacts: %+v", own)
	}
}
