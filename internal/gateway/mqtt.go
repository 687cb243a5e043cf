package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"meshmonitor/go-collector/internal/model"
)

// DefaultTopic subscribes to every region and channel of the JSON uplink.
const DefaultTopic = "msh/+/2/json/#"

var errStreamClosed = errors.New("stream closed")

// MQTTConfig configures MQTT gateway streams.
type MQTTConfig struct {
	Topics         []string
	Username       string
	Password       string
	ClientPrefix   string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	BufferSize     int

	// OnDrop is called for every packet that could not be turned into an event.
	OnDrop func(endpoint string, err error)
}

// MQTTDialer opens gateway streams over MQTT. Reconnects are left to the
// Connection so that a single backoff policy applies.
type MQTTDialer struct {
	cfg    MQTTConfig
	logger *slog.Logger
}

// NewMQTTDialer constructs a dialer.
func NewMQTTDialer(cfg MQTTConfig, logger *slog.Logger) *MQTTDialer {
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{DefaultTopic}
	}
	if cfg.ClientPrefix == "" {
		cfg.ClientPrefix = "meshmon"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTDialer{cfg: cfg, logger: logger.With("component", "mqtt")}
}

// Dial connects to the broker at ep and subscribes to the configured topics.
func (d *MQTTDialer) Dial(ctx context.Context, ep model.Endpoint) (Stream, error) {
	s := &mqttStream{
		endpoint: ep.String(),
		events:   make(chan model.Event, d.cfg.BufferSize),
		done:     make(chan struct{}),
		logger:   d.logger.With("endpoint", ep.String()),
		onDrop:   d.cfg.OnDrop,
	}

	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + ep.String()).
		SetClientID(fmt.Sprintf("%s-%s", d.cfg.ClientPrefix, uuid.NewString()[:8])).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectTimeout(d.cfg.ConnectTimeout).
		SetKeepAlive(d.cfg.KeepAlive).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.fail(err)
		})
	if d.cfg.Username != "" {
		opts.SetUsername(d.cfg.Username)
		opts.SetPassword(d.cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect(), d.cfg.ConnectTimeout); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: %w", ep, err)
	}
	s.client = client

	filters := make(map[string]byte, len(d.cfg.Topics))
	for _, t := range d.cfg.Topics {
		filters[t] = 0
	}
	if err := waitToken(ctx, client.SubscribeMultiple(filters, s.handle), d.cfg.ConnectTimeout); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt subscribe %s: %w", ep, err)
	}

	return s, nil
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type mqttStream struct {
	endpoint string
	client   mqtt.Client
	events   chan model.Event
	logger   *slog.Logger
	onDrop   func(string, error)

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (s *mqttStream) Events() <-chan model.Event { return s.events }

func (s *mqttStream) Done() <-chan struct{} { return s.done }

func (s *mqttStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *mqttStream) Close() error {
	s.fail(errStreamClosed)
	if s.client != nil && s.client.IsConnectionOpen() {
		s.client.Disconnect(250)
	}
	return nil
}

func (s *mqttStream) fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// handle runs on the paho router goroutine; blocking here applies
// backpressure to the broker connection.
func (s *mqttStream) handle(_ mqtt.Client, msg mqtt.Message) {
	ev, err := DecodePacket(msg.Topic(), msg.Payload())
	if err != nil {
		if errors.Is(err, ErrUnsupportedPacket) {
			s.logger.Debug("packet ignored", "topic", msg.Topic(), "reason", err)
		} else {
			s.logger.Warn("packet dropped", "topic", msg.Topic(), "error", err)
		}
		if s.onDrop != nil {
			s.onDrop(s.endpoint, err)
		}
		return
	}
	ev.Endpoint = s.endpoint

	select {
	case s.events <- ev:
	case <-s.done:
	}
}
