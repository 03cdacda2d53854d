// Package mqtt publishes session diagnostics to an MQTT broker as
// Home Assistant discoverable sensors: health level, disconnect
// reason, reconnect counter, cancel state, microphone state, session
// age. Entirely optional; the daemon runs fine without a broker.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/parley-ai/parley/internal/config"
)

// StatsSource provides the runtime readings for sensor publishing. The
// concrete adapter lives in main so this package stays decoupled from
// the coordinators.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	HealthLevel() string
	DisconnectReason() string
	ReconnectCount() int
	CancelState() string
	MicState() string
	SessionAge() time.Duration
}

// Publisher manages the broker connection, publishes discovery configs
// on every (re-)connect, and pushes sensor states on a fixed cadence.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	stats      StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		stats:      stats,
		logger:     logger,
	}
}

// Start connects to the broker and blocks in the publish loop until
// ctx is cancelled. Discovery configs and a birth message go out on
// every (re-)connect.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "parley-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	// Wait briefly for the initial connection; autopaho keeps retrying
	// in the background either way.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) baseTopic() string {
	return "parley/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	sensor := func(suffix, name, icon string) sensorDef {
		return sensorDef{
			entitySuffix: suffix,
			config: SensorConfig{
				Name:              p.device.Name + " " + name,
				UniqueID:          p.instanceID + "_" + suffix,
				StateTopic:        p.stateTopic(suffix),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              icon,
				EntityCategory:    "diagnostic",
			},
		}
	}

	defs := []sensorDef{
		sensor("health_level", "Health", "mdi:heart-pulse"),
		sensor("disconnect_reason", "Disconnect Reason", "mdi:lan-disconnect"),
		sensor("cancel_state", "Cancel State", "mdi:stop-circle-outline"),
		sensor("mic_state", "Microphone", "mdi:microphone"),
		sensor("session_age", "Session Age", "mdi:clock-outline"),
		sensor("uptime", "Uptime", "mdi:clock-outline"),
		sensor("version", "Version", "mdi:tag"),
	}

	reconnects := sensor("reconnect_count", "Reconnects", "mdi:restart")
	reconnects.config.StateClass = "total_increasing"
	reconnects.config.EntityCategory = ""
	return append(defs, reconnects)
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PublishInterval)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	reason := p.stats.DisconnectReason()
	if reason == "" {
		reason = "none"
	}
	states := map[string]string{
		"health_level":      p.stats.HealthLevel(),
		"disconnect_reason": reason,
		"reconnect_count":   strconv.Itoa(p.stats.ReconnectCount()),
		"cancel_state":      p.stats.CancelState(),
		"mic_state":         p.stats.MicState(),
		"session_age":       p.stats.SessionAge().Truncate(time.Second).String(),
		"uptime":            p.stats.Uptime().Truncate(time.Second).String(),
		"version":           p.stats.Version(),
	}

	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
