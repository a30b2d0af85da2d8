// Package mqttradio implements radio.Radio over an MQTT broker, for
// running the mesh core against a simulated or bridged radio layer
// rather than real LoRa hardware.
//
// The connect/reconnect/publish/subscribe machinery follows a standard
// MQTT transport unchanged (an MQTT broker is still an MQTT broker); what
// differs is the payload, a raw wire.Packet frame rather than any other
// codec's packet, and the interface shape, dropping a multi-transport
// router's SendPacket/PacketSource/IsConnected surface in favor of the
// simpler Send/OnReceive contract a single-radio Router expects.
package mqttradio

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/loramesh/mesh-router/radio"
)

var _ radio.Radio = (*Radio)(nil)

// DefaultTopicPrefix is the default MQTT topic prefix for mesh frames.
const DefaultTopicPrefix = "loramesh"

// Config configures a Radio.
type Config struct {
	Broker      string
	Username    string
	Password    string
	UseTLS      bool
	ClientID    string
	TopicPrefix string
	// MeshID identifies the mesh network; the radio subscribes to and
	// publishes on "{TopicPrefix}/{MeshID}".
	MeshID string
	Logger *slog.Logger
}

// Radio implements radio.Radio by publishing/subscribing base64-encoded
// frames on one MQTT topic.
type Radio struct {
	cfg    Config
	client paho.Client
	log    *slog.Logger

	mu        sync.RWMutex
	connected bool
	onReceive radio.ReceiveFunc
}

// New creates an MQTT-backed radio with the given configuration.
func New(cfg Config) *Radio {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Radio{cfg: cfg, log: log.WithGroup("mqttradio")}
}

// Start connects to the broker and subscribes to the mesh topic.
func (r *Radio) Start(ctx context.Context) error {
	if r.cfg.Broker == "" {
		return errors.New("mqttradio: broker URL is required")
	}
	if r.cfg.MeshID == "" {
		return errors.New("mqttradio: mesh id is required")
	}

	clientID := r.cfg.ClientID
	if clientID == "" {
		clientID = "loramesh-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(r.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(r.onConnected).
		SetConnectionLostHandler(r.onConnectionLost)

	if r.cfg.Username != "" {
		opts.SetUsername(r.cfg.Username)
	}
	if r.cfg.Password != "" {
		opts.SetPassword(r.cfg.Password)
	}
	if r.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	r.client = paho.NewClient(opts)

	token := r.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.New("mqttradio: connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("mqttradio: connecting to broker: %w", token.Error())
	}
	return nil
}

// Stop disconnects from the broker.
func (r *Radio) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		r.client.Disconnect(1000)
		r.connected = false
	}
}

// OnReceive registers the callback invoked for every frame received on
// the mesh topic. SNR is always reported as 0 -- MQTT carries no signal
// measurement.
func (r *Radio) OnReceive(fn radio.ReceiveFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReceive = fn
}

// Send publishes frame to the mesh topic as base64 text.
func (r *Radio) Send(frame []byte) error {
	r.mu.RLock()
	connected := r.connected
	r.mu.RUnlock()
	if !connected {
		return errors.New("mqttradio: not connected")
	}

	payload := base64.StdEncoding.EncodeToString(frame)
	token := r.client.Publish(r.topic(), 0, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("mqttradio: timeout publishing to MQTT")
	}
	return token.Error()
}

func (r *Radio) topic() string {
	return r.cfg.TopicPrefix + "/" + r.cfg.MeshID
}

func (r *Radio) onConnected(_ paho.Client) {
	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()

	r.client.Subscribe(r.topic(), 0, r.handleMessage)
	r.log.Info("connected to MQTT broker", "broker", r.cfg.Broker)
}

func (r *Radio) onConnectionLost(_ paho.Client, err error) {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	r.log.Error("MQTT connection lost", "error", err)
}

func (r *Radio) handleMessage(_ paho.Client, message paho.Message) {
	r.mu.RLock()
	fn := r.onReceive
	r.mu.RUnlock()
	if fn == nil {
		return
	}

	frame, err := base64.StdEncoding.DecodeString(string(message.Payload()))
	if err != nil {
		r.log.Debug("failed to decode base64 payload", "error", err)
		return
	}
	fn(frame, 0)
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
