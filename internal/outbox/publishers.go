package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MultiPublisher fans a message out to every publisher. It fails if any
// publisher fails, so the whole message is retried.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, msg *Message) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HTTPPublisher posts messages as JSON to a notification endpoint. When a
// secret is set the body is signed with HMAC-SHA256.
type HTTPPublisher struct {
	url    string
	secret string
	client *http.Client
}

// NewHTTPPublisher creates a publisher posting to url.
func NewHTTPPublisher(url, secret string) *HTTPPublisher {
	return &HTTPPublisher{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPPublisher) Publish(ctx context.Context, msg *Message) error {
	body, err := marshalEnvelope(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Homeserv-Event", msg.Topic)
	req.Header.Set("X-Homeserv-Event-Id", msg.ID)
	req.Header.Set("X-Homeserv-Timestamp", strconv.FormatInt(msg.CreatedAt.Unix(), 10))
	if h.secret != "" {
		req.Header.Set("X-Homeserv-Signature", Sign(body, h.secret))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", msg.Topic, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: status %d", msg.Topic, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// AMQPChannel is the subset of *amqp.Channel used for publishing.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPPublisher publishes messages to a RabbitMQ exchange using the topic
// as routing key.
type AMQPPublisher struct {
	ch       AMQPChannel
	exchange string
}

// NewAMQPPublisher creates a RabbitMQ publisher.
func NewAMQPPublisher(ch AMQPChannel, exchange string) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, exchange: exchange}
}

func (a *AMQPPublisher) Publish(ctx context.Context, msg *Message) error {
	body, err := marshalEnvelope(msg)
	if err != nil {
		return err
	}
	err = a.ch.PublishWithContext(ctx, a.exchange, msg.Topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    msg.ID,
		Timestamp:    msg.CreatedAt,
		Type:         msg.Topic,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", msg.Topic, a.exchange, err)
	}
	return nil
}
