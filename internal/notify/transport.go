package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"pricealerts/internal/cache"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Transport delivers one message to one destination.
type Transport interface {
	Send(ctx context.Context, destination, message string) error
}

// Channel names used in contacts.
const (
	ChannelSMS    = "sms"
	ChannelPush   = "push"
	ChannelEmail  = "email"
	ChannelKafka  = "kafka"
	ChannelStream = "stream"
)

// AlertsChannel is the Redis channel the alerts service streams from.
const AlertsChannel = "price_alerts"

// Envelope is the payload written by the webhook, Kafka and stream transports.
type Envelope struct {
	Destination string `json:"destination"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp"`
}

func newEnvelope(destination, message string) Envelope {
	return Envelope{
		Destination: destination,
		Message:     message,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

// WebhookTransport posts messages to an SMS or push gateway.
type WebhookTransport struct {
	url        string
	httpClient *http.Client
}

func NewWebhookTransport(url string) *WebhookTransport {
	return &WebhookTransport{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *WebhookTransport) Send(ctx context.Context, destination, message string) error {
	body, err := json.Marshal(newEnvelope(destination, message))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}

// EmailTransport sends plain-text mail over SMTP.
type EmailTransport struct {
	addr string
	auth smtp.Auth
	from string
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailTransport(host string, port int, user, password, from string) *EmailTransport {
	var auth smtp.Auth
	if user != "" {
		auth = smtp.PlainAuth("", user, password, host)
	}
	return &EmailTransport{
		addr: host + ":" + strconv.Itoa(port),
		auth: auth,
		from: from,
		send: smtp.SendMail,
	}
}

func (t *EmailTransport) Send(ctx context.Context, destination, message string) error {
	subject := "Price alert"
	if first, _, _ := strings.Cut(strings.TrimPrefix(message, TestMarker), "\n"); first != "" {
		subject = first
	}
	if strings.HasPrefix(message, TestMarker) {
		subject = "[TEST] " + subject
	}
	subject = stripHeaderBreaks(subject)
	destination = stripHeaderBreaks(destination)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", t.from)
	fmt.Fprintf(&b, "To: %s\r\n", destination)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(message)
	b.WriteString("\r\n")

	// net/smtp has no context support; the send is abandoned, not aborted, on timeout
	done := make(chan error, 1)
	go func() {
		done <- t.send(t.addr, t.auth, t.from, []string{destination}, []byte(b.String()))
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stripHeaderBreaks keeps a header value on one line.
func stripHeaderBreaks(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, s)
}

// KafkaTransport produces messages to a topic keyed by destination.
type KafkaTransport struct {
	producer *kafka.Producer
	topic    string
}

func NewKafkaTransport(brokers, topic string) (*KafkaTransport, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &KafkaTransport{producer: p, topic: topic}, nil
}

func (t *KafkaTransport) Send(ctx context.Context, destination, message string) error {
	value, err := json.Marshal(newEnvelope(destination, message))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	delivery := make(chan kafka.Event, 1)
	err = t.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &t.topic, Partition: kafka.PartitionAny},
		Key:            []byte(destination),
		Value:          value,
	}, delivery)
	if err != nil {
		return fmt.Errorf("produce: %w", err)
	}

	select {
	case e := <-delivery:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event: %v", e)
		}
		return m.TopicPartition.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes outstanding messages and closes the producer.
func (t *KafkaTransport) Close() {
	t.producer.Flush(5000)
	t.producer.Close()
}

// publisher is the part of cache.Client the stream transport needs.
type publisher interface {
	Publish(ctx context.Context, channel, message string) error
}

var _ publisher = (*cache.Client)(nil)

// StreamTransport publishes messages to Redis for the alerts service to
// forward to connected dashboards.
type StreamTransport struct {
	pub     publisher
	channel string
}

func NewStreamTransport(pub publisher) *StreamTransport {
	return &StreamTransport{pub: pub, channel: AlertsChannel}
}

func (t *StreamTransport) Send(ctx context.Context, destination, message string) error {
	payload, err := json.Marshal(newEnvelope(destination, message))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return t.pub.Publish(ctx, t.channel, string(payload))
}
