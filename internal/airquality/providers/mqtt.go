package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"github.com/i474232898/airquality-forecast/internal/airquality"
	"github.com/i474232898/airquality-forecast/internal/metrics"
)

// DefaultGroundTopic matches one sub-topic per location id.
const DefaultGroundTopic = "airquality/ground/+"

var errBadGroundMessage = errors.New("invalid ground-station message")

// groundMessage is the payload published by ground stations.
// Location may be omitted when the topic ends with the location id.
type groundMessage struct {
	Location  string    `json:"location"`
	NO2       float64   `json:"no2"`
	O3        float64   `json:"o3"`
	PM25      float64   `json:"pm25"`
	Timestamp time.Time `json:"timestamp"`
}

type groundSample struct {
	reading airquality.GroundReading
	at      time.Time
}

// MQTTGroundFeed keeps the latest ground-station reading per location,
// received over MQTT. Readings older than maxAge are ignored.
type MQTTGroundFeed struct {
	mu     sync.RWMutex
	latest map[string]groundSample
	maxAge time.Duration
	now    func() time.Time
	client mqtt.Client
}

// NewMQTTGroundFeed creates an unconnected feed.
func NewMQTTGroundFeed(maxAge time.Duration) *MQTTGroundFeed {
	return &MQTTGroundFeed{
		latest: make(map[string]groundSample),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Connect dials the broker and subscribes to topic. The client reconnects and
// resubscribes on its own after connection loss.
func (f *MQTTGroundFeed) Connect(ctx context.Context, brokerURL, topic string) error {
	if topic == "" {
		topic = DefaultGroundTopic
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID("airquality-forecast-" + time.Now().Format("20060102150405"))
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.OnConnect = func(client mqtt.Client) {
		token := client.Subscribe(topic, 0, f.handle)
		token.Wait()
		if token.Error() != nil {
			slog.Error("mqtt: subscribe failed", "topic", topic, "err", token.Error())
			return
		}
		slog.Info("mqtt: subscribed", "topic", topic)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt: connection lost", "err", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()

	deadline := 10 * time.Second
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}
	if !token.WaitTimeout(deadline) {
		client.Disconnect(0)
		return fmt.Errorf("mqtt connect to %s: timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", brokerURL, err)
	}

	f.client = client
	return nil
}

// Close disconnects from the broker.
func (f *MQTTGroundFeed) Close() {
	if f.client != nil {
		f.client.Disconnect(250)
	}
}

func (f *MQTTGroundFeed) handle(_ mqtt.Client, msg mqtt.Message) {
	if err := f.ingest(msg.Topic(), msg.Payload()); err != nil {
		slog.Warn("mqtt: dropping message", "topic", msg.Topic(), "err", err)
	}
}

func (f *MQTTGroundFeed) ingest(topic string, payload []byte) error {
	var m groundMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("%w: %v", errBadGroundMessage, err)
	}
	if m.Location == "" {
		if i := strings.LastIndex(topic, "/"); i >= 0 && i < len(topic)-1 {
			m.Location = topic[i+1:]
		}
	}
	if m.Location == "" {
		return fmt.Errorf("%w: no location", errBadGroundMessage)
	}
	for _, v := range []float64{m.NO2, m.O3, m.PM25} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: value out of range", errBadGroundMessage)
		}
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = f.now()
	}

	f.mu.Lock()
	f.latest[m.Location] = groundSample{
		reading: airquality.GroundReading{NO2: m.NO2, O3: m.O3, PM25: m.PM25},
		at:      m.Timestamp.UTC(),
	}
	f.mu.Unlock()

	metrics.ObservationsReceived.Inc()
	return nil
}

// Latest returns the freshest reading for a location if it is recent enough.
func (f *MQTTGroundFeed) Latest(locationID string) (airquality.GroundReading, bool) {
	f.mu.RLock()
	s, ok := f.latest[locationID]
	f.mu.RUnlock()
	if !ok {
		return airquality.GroundReading{}, false
	}
	if f.maxAge > 0 && f.now().Sub(s.at) > f.maxAge {
		return airquality.GroundReading{}, false
	}
	return s.reading, true
}
