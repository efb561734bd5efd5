package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const defaultPublishTimeout = 5 * time.Second

// Publisher is the subset of mqtt.Client used for delivery.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// ConnectMQTT opens a client connection to the broker.
func ConnectMQTT(opts MQTTOptions, logger *slog.Logger) (mqtt.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetUsername(opts.Username)
	clientOpts.SetPassword(opts.Password)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectTimeout(opts.ConnectTimeout)
	clientOpts.OnConnect = func(mqtt.Client) {
		logger.Info("connected to mqtt broker", slog.String("broker", opts.Broker))
	}
	clientOpts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", slog.String("error", err.Error()))
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timed out", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", opts.Broker, err)
	}
	return client, nil
}

// MQTTDispatcher publishes one message per recipient to the recipient's
// notification topic with QoS 1.
type MQTTDispatcher struct {
	publisher   Publisher
	topicPrefix string
	timeout     time.Duration
	clock       func() time.Time
}

// NewMQTTDispatcher publishes to "<topicPrefix>/users/<userID>/notifications".
func NewMQTTDispatcher(publisher Publisher, topicPrefix string) *MQTTDispatcher {
	if publisher == nil {
		panic("notify: mqtt publisher must not be nil")
	}
	return &MQTTDispatcher{
		publisher:   publisher,
		topicPrefix: strings.TrimSuffix(topicPrefix, "/"),
		timeout:     defaultPublishTimeout,
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// Topic returns the notification topic of userID.
func (d *MQTTDispatcher) Topic(userID string) string {
	if d.topicPrefix == "" {
		return "users/" + userID + "/notifications"
	}
	return d.topicPrefix + "/users/" + userID + "/notifications"
}

// Notify publishes to every recipient and reports every failed delivery.
func (d *MQTTDispatcher) Notify(ctx context.Context, audience Audience, templateID string, payload map[string]any) error {
	var errs []error
	for _, userID := range audience.UserIDs {
		body, err := json.Marshal(Message{
			Template: templateID,
			StreamID: audience.StreamID,
			UserID:   userID,
			Payload:  payload,
			SentAt:   d.clock(),
		})
		if err != nil {
			return fmt.Errorf("encode notification: %w", err)
		}

		if err := d.publish(ctx, d.Topic(userID), body); err != nil {
			errs = append(errs, fmt.Errorf("notify user %s: %w", userID, err))
		}
	}
	return errors.Join(errs...)
}

func (d *MQTTDispatcher) publish(ctx context.Context, topic string, body []byte) error {
	token := d.publisher.Publish(topic, 1, false, body)

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("publish to %s: timed out after %s", topic, d.timeout)
	}
}

var _ Dispatcher = (*MQTTDispatcher)(nil)
