//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"dali-go-home/internal/coordinator"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the DALI coordinator to MQTT with HA autodiscovery: every
// piece of gear becomes a dimmable light entity with a JSON state topic and a
// /set command topic.
type Bridge struct {
	client pahomqtt.Client
	coord  *coordinator.Coordinator
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	subscribed map[string]bool // command topics already subscribed
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		coord:      coord,
		prefix:     cfg.TopicPrefix,
		logger:     logger.With("component", "mqtt"),
		subscribed: make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("dali-go-home").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllGear()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventGearFound, coordinator.EventGearUpdate:
		if id := eventUniqueID(event); id != "" {
			b.announceGear(id)
		}
	case coordinator.EventGearState:
		if id := eventUniqueID(event); id != "" {
			b.publishGearState(id)
		}
	case coordinator.EventGearLost:
		b.handleGearLost(event)
	case coordinator.EventScanState:
		b.publish(b.prefix+"/bridge/scan", mustJSON(event.Data), false)
	}
}

func eventUniqueID(event coordinator.Event) string {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := data["unique_id"].(string)
	return id
}

// publishAllGear re-announces the full registry, used on (re)connect so a
// restarted broker gets discovery and state back.
func (b *Bridge) publishAllGear() {
	for _, g := range b.coord.Registry().List() {
		b.announceGear(g.UniqueID)
	}
}

// announceGear publishes discovery, subscribes the command topic, and
// publishes current state for one piece of gear.
func (b *Bridge) announceGear(uniqueID string) {
	g, ok := b.coord.Registry().ByUniqueID(uniqueID)
	if !ok {
		return
	}

	msg := buildGearDiscovery(g, b.prefix)
	b.publish(msg.Topic, msg.Payload, true)
	b.subscribeGearCommands(g)
	b.publishGearState(uniqueID)
	b.logger.Info("published HA discovery", "unique_id", g.UniqueID, "name", gearDisplayName(g))
}

func (b *Bridge) publishGearState(uniqueID string) {
	g, ok := b.coord.Registry().ByUniqueID(uniqueID)
	if !ok {
		return
	}

	state := "OFF"
	if g.LampOn {
		state = "ON"
	}
	payload := mustJSON(map[string]interface{}{
		"state":      state,
		"brightness": g.Level,
		"last_seen":  g.LastSeen.Format(time.RFC3339),
	})
	b.publish(b.prefix+"/"+gearTopicName(g), payload, true)
}

func (b *Bridge) handleGearLost(event coordinator.Event) {
	id := eventUniqueID(event)
	if id == "" {
		return
	}
	// The registry entry is already gone; the identifier alone is enough to
	// delete the retained discovery config.
	msg := buildRemoveGearDiscovery(coordinator.GearInfo{UniqueID: id})
	b.publish(msg.Topic, msg.Payload, true)
}

func (b *Bridge) subscribeGearCommands(g coordinator.GearInfo) {
	topic := b.prefix + "/" + gearTopicName(g) + "/set"

	b.mu.Lock()
	if b.subscribed[topic] {
		b.mu.Unlock()
		return
	}
	b.subscribed[topic] = true
	b.mu.Unlock()

	uniqueID := g.UniqueID
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(uniqueID, msg.Payload())
	})
}

// handleCommand executes a JSON set command ({"state":"ON"}, {"brightness":N})
// against the bus.
func (b *Bridge) handleCommand(uniqueID string, payload []byte) {
	var cmd map[string]interface{}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "unique_id", uniqueID, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.coord.Context(), 10*time.Second)
	defer cancel()

	if brightness, ok := toFloat64(cmd["brightness"]); ok {
		if err := b.coord.GearSetLevel(ctx, uniqueID, clampBrightness(brightness)); err != nil {
			b.logger.Warn("brightness command failed", "unique_id", uniqueID, "err", err)
		}
		return
	}

	if state, ok := cmd["state"].(string); ok {
		switch strings.ToUpper(state) {
		case "ON":
			if err := b.coord.GearOn(ctx, uniqueID); err != nil {
				b.logger.Warn("on command failed", "unique_id", uniqueID, "err", err)
			}
		case "OFF":
			if err := b.coord.GearOff(ctx, uniqueID); err != nil {
				b.logger.Warn("off command failed", "unique_id", uniqueID, "err", err)
			}
		}
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// clampBrightness maps a JSON brightness value onto the 0-254 DALI arc-power
// range. Conversion of a negative float to uint8 is platform-dependent, so
// clamp before converting.
func clampBrightness(v float64) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 254:
		return 254
	}
	return uint8(v)
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
