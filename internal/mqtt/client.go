// Package mqtt wraps the paho client: it subscribes to the NVR's event
// stream, decodes lifecycle payloads and publishes enriched results.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"plate-watcher/internal/config"
	"plate-watcher/internal/domain/plate"
	"plate-watcher/internal/metrics"
)

// ErrMissingEventID marks a payload without an event identifier; such
// messages are rejected at the transport boundary.
var ErrMissingEventID = errors.New("event payload missing id")

// Handler receives every decoded lifecycle event.
type Handler func(ev plate.LifecycleEvent)

type Client struct {
	cfg     config.MQTTConfig
	log     zerolog.Logger
	handler Handler
	cli     pahomqtt.Client

	// The broker replays the last retained event on subscribe; the
	// first delivery is skipped so stale state is not reprocessed.
	sawFirst atomic.Bool
}

func NewClient(cfg config.MQTTConfig, handler Handler, log zerolog.Logger) *Client {
	c := &Client{cfg: cfg, log: log, handler: handler}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	c.cli = pahomqtt.NewClient(opts)
	return c
}

func (c *Client) eventsTopic() string {
	return c.cfg.MainTopic + "/events"
}

func (c *Client) returnTopic() string {
	return c.cfg.MainTopic + "/" + c.cfg.ReturnTopic
}

// Connect establishes the broker session; the subscription is installed
// by the connect handler so it survives reconnects.
func (c *Client) Connect(ctx context.Context) error {
	token := c.cli.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", c.cfg.BrokerURL(), err)
	}
	return nil
}

func (c *Client) onConnect(cli pahomqtt.Client) {
	metrics.MQTTConnects.Inc()
	c.log.Info().Str("broker", c.cfg.BrokerURL()).Str("topic", c.eventsTopic()).Msg("mqtt connected")
	token := cli.Subscribe(c.eventsTopic(), 0, c.onMessage)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			c.log.Error().Err(err).Str("topic", c.eventsTopic()).Msg("subscribe failed")
		}
	}()
}

func (c *Client) onConnectionLost(_ pahomqtt.Client, err error) {
	metrics.MQTTDisconnects.Inc()
	c.log.Warn().Err(err).Msg("mqtt connection lost, reconnecting")
}

func (c *Client) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	if !c.sawFirst.Swap(true) {
		c.log.Debug().Msg("skipping first (retained) message")
		metrics.ProcessedEvents.WithLabelValues("first_message").Inc()
		return
	}

	ev, err := DecodeLifecycleEvent(msg.Payload())
	if err != nil {
		c.log.Error().Err(err).Msg("discarding undecodable event payload")
		metrics.ProcessedEvents.WithLabelValues("invalid_payload").Inc()
		return
	}
	c.handler(ev)
}

// PublishResult sends the enriched plate message to the return topic.
// Publishing is fire-and-forget; delivery errors are logged, not
// propagated.
func (c *Client) PublishResult(_ context.Context, msg plate.Message) error {
	if c.cfg.ReturnTopic == "" {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	metrics.MQTTPublishes.WithLabelValues(fmt.Sprintf("%t", msg.IsWatchedPlate)).Inc()
	c.log.Debug().RawJSON("message", payload).Str("topic", c.returnTopic()).Msg("publishing plate message")
	c.cli.Publish(c.returnTopic(), 0, false, payload)
	return nil
}

// Connected reports whether the broker session is up.
func (c *Client) Connected() bool {
	return c.cli.IsConnectionOpen()
}

// Close disconnects after letting in-flight publishes quiesce.
func (c *Client) Close() {
	c.cli.Disconnect(250)
}

type lifecycleData struct {
	ID                string                  `json:"id"`
	Camera            string                  `json:"camera"`
	Label             string                  `json:"label"`
	TopScore          float64                 `json:"top_score"`
	CurrentZones      []string                `json:"current_zones"`
	CurrentAttributes []plate.ObjectAttribute `json:"current_attributes"`
	StartTime         float64                 `json:"start_time"`
	HasSnapshot       bool                    `json:"has_snapshot"`
}

type lifecyclePayload struct {
	Type   string        `json:"type"`
	Before lifecycleData `json:"before"`
	After  lifecycleData `json:"after"`
}

// DecodeLifecycleEvent parses one NVR event message into the internal
// event shape. Payloads without an id are rejected here, before
// anything reaches the tracker.
func DecodeLifecycleEvent(payload []byte) (plate.LifecycleEvent, error) {
	var raw lifecyclePayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return plate.LifecycleEvent{}, fmt.Errorf("decode event payload: %w", err)
	}
	if raw.After.ID == "" {
		return plate.LifecycleEvent{}, ErrMissingEventID
	}

	sec := int64(raw.After.StartTime)
	nsec := int64((raw.After.StartTime - float64(sec)) * float64(time.Second))

	return plate.LifecycleEvent{
		ID:           raw.After.ID,
		Type:         plate.UpdateType(raw.Type),
		Camera:       raw.After.Camera,
		Label:        raw.After.Label,
		TopScore:     raw.After.TopScore,
		PrevTopScore: raw.Before.TopScore,
		StartTime:    time.Unix(sec, nsec).UTC(),
		Zones:        raw.After.CurrentZones,
		Attributes:   raw.After.CurrentAttributes,
		HasSnapshot:  raw.After.HasSnapshot,
		Raw:          json.RawMessage(payload),
	}, nil
}
