// Package mqtt bridges the opener client to an MQTT broker: retained state
// topics, command topics and Home Assistant discovery.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/micro-ha/ryobi-gdo/addon/internal/dispatch"
	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
	"github.com/micro-ha/ryobi-gdo/addon/internal/state"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds
	keepAlive         = 60 * time.Second
	qos               = 1
	changeBuffer      = 128
)

var ErrConnectionFailed = errors.New("mqtt: connection failed")

type Config struct {
	Broker          string
	ClientID        string
	Username        string
	Password        string
	TopicPrefix     string
	DiscoveryPrefix string
}

// Commander is the part of the opener client the bridge drives.
type Commander interface {
	Devices() []model.Device
	IssueCommand(id string, action model.Action) (*dispatch.Command, error)
	Subscribe(buffer int) *state.Subscription
}

// publisher is the slice of paho the bridge publishes through.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

type Bridge struct {
	cfg    Config
	topics Topics
	gdo    Commander
	logger *slog.Logger

	mu     sync.Mutex
	client publisher
	// announced holds devices whose discovery configs were published on
	// the current connection.
	announced map[string]struct{}
}

func New(cfg Config, gdo Commander, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "ryobi_gdo"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "ryobi-gdo"
	}
	return &Bridge{
		cfg:       cfg,
		topics:    Topics{Prefix: cfg.TopicPrefix, DiscoveryPrefix: cfg.DiscoveryPrefix},
		gdo:       gdo,
		logger:    logger.With("component", "mqtt"),
		announced: map[string]struct{}{},
	}
}

func (b *Bridge) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(b.topics.Status(), payloadOffline, qos, true)
	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		b.handleConnect(client)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		b.logger.Warn("broker connection lost", "err", err)
	})
	return opts
}

// Run connects to the broker and mirrors state changes until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.gdo.Subscribe(changeBuffer)
	defer sub.Close()

	client := pahomqtt.NewClient(b.clientOptions())
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// ConnectRetry keeps trying in the background.
		b.logger.Warn("broker not reachable yet", "broker", b.cfg.Broker, "timeout", connectTimeout.String())
	} else if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer func() {
		b.publishWait(client, b.topics.Status(), []byte(payloadOffline))
		client.Disconnect(disconnectQuiesce)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-sub.C():
			if !ok {
				return nil
			}
			b.publishChange(change)
		}
	}
}

func (b *Bridge) handleConnect(client pahomqtt.Client) {
	b.mu.Lock()
	b.client = client
	b.announced = map[string]struct{}{}
	b.mu.Unlock()

	token := client.Subscribe(b.topics.SetFilter(), qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if err := b.HandleSet(msg.Topic(), msg.Payload()); err != nil {
			b.logger.Warn("command message ignored", "topic", msg.Topic(), "err", err)
		}
	})
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		b.logger.Error("subscribe failed", "topic", b.topics.SetFilter(), "err", token.Error())
	}

	b.publish(b.topics.Status(), []byte(payloadOnline))
	for _, device := range b.gdo.Devices() {
		b.publishDevice(device)
	}
	b.logger.Info("broker connected", "broker", b.cfg.Broker)
}

// HandleSet turns a command message into an issued command.
func (b *Bridge) HandleSet(topic string, payload []byte) error {
	deviceID, attr, ok := b.topics.ParseSet(topic)
	if !ok {
		return fmt.Errorf("%w: topic %s", ErrBadPayload, topic)
	}
	action, err := ActionFor(attr, payload)
	if err != nil {
		return err
	}
	cmd, err := b.gdo.IssueCommand(deviceID, action)
	if err != nil {
		return err
	}
	b.logger.Info("command issued", "device_id", deviceID, "action", action, "correlation_id", cmd.ID)
	return nil
}

func (b *Bridge) publishChange(change state.Change) {
	device := change.Device
	switch change.Kind {
	case state.ChangeState:
		b.publishAttribute(device, change.Attribute)
		b.publish(b.topics.Attributes(device.ID), attributesJSON(device))
	default:
		b.publishDevice(device)
	}
}

// publishDevice announces device if needed and publishes its full state.
func (b *Bridge) publishDevice(device model.Device) {
	b.mu.Lock()
	_, seen := b.announced[device.ID]
	b.announced[device.ID] = struct{}{}
	b.mu.Unlock()
	if !seen {
		for _, msg := range b.topics.Discovery(device) {
			b.publish(msg.Topic, msg.Payload)
		}
	}
	if device.HasCapability(model.CapabilityDoor) {
		b.publishAttribute(device, model.AttributeDoor)
	}
	if device.HasCapability(model.CapabilityLight) {
		b.publishAttribute(device, model.AttributeLight)
	}
	b.publish(b.topics.Availability(device.ID), []byte(availabilityPayload(device)))
	b.publish(b.topics.Attributes(device.ID), attributesJSON(device))
}

func (b *Bridge) publishAttribute(device model.Device, attr model.Attribute) {
	payload := string(device.Light)
	if attr == model.AttributeDoor {
		payload = DoorPayload(device.Door)
	}
	b.publish(b.topics.State(device.ID, attr), []byte(payload))
}

// publish sends a retained message without waiting; nothing is sent while
// disconnected, handleConnect republishes everything on reconnect.
func (b *Bridge) publish(topic string, payload []byte) {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return
	}
	token := client.Publish(topic, qos, true, payload)
	go func() {
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			b.logger.Warn("publish failed", "topic", topic, "err", token.Error())
		}
	}()
}

func (b *Bridge) publishWait(client publisher, topic string, payload []byte) {
	token := client.Publish(topic, qos, true, payload)
	token.WaitTimeout(publishTimeout)
}
