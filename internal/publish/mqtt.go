package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/config"
	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// ErrPublishTimeout is returned when the broker did not acknowledge in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// MQTTSink mirrors measurements and the collector status to a broker.
// Topics:
//
//	<prefix>/status              online | offline (retained, also the will)
//	<prefix>/device/<id>/state   JSON measurement (retained)
type MQTTSink struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger *zap.Logger

	mu        sync.Mutex
	online    bool
	announced map[int]bool
}

// NewMQTTSink wraps an already connected client.
func NewMQTTSink(client mqtt.Client, cfg config.MQTTConfig, logger *zap.Logger) *MQTTSink {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "solar"
	}
	return &MQTTSink{
		client:    client,
		prefix:    prefix,
		qos:       cfg.QoS,
		logger:    logger,
		announced: make(map[int]bool),
	}
}

// Connect dials the broker from cfg and returns a ready sink.
func Connect(cfg config.MQTTConfig, logger *zap.Logger) (*MQTTSink, error) {
	var sink *MQTTSink

	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetWill(statusTopic(cfg.TopicPrefix), "offline", cfg.QoS, true)
	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("MQTT connected", zap.String("broker", cfg.Broker))
		if sink != nil {
			sink.republishStatus()
		}
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	sink = NewMQTTSink(client, cfg, logger)

	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, ErrPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return sink, nil
}

func statusTopic(prefix string) string {
	if prefix == "" {
		prefix = "solar"
	}
	return prefix + "/status"
}

func (s *MQTTSink) stateTopic(deviceID int) string {
	return fmt.Sprintf("%s/device/%d/state", s.prefix, deviceID)
}

func (s *MQTTSink) publish(topic string, retained bool, payload interface{}) error {
	token := s.client.Publish(topic, s.qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// Append publishes one measurement. Announces Home Assistant sensors the
// first time a device is seen.
func (s *MQTTSink) Append(_ context.Context, m types.Measurement) error {
	s.mu.Lock()
	first := !s.announced[m.DeviceID]
	s.mu.Unlock()

	if first {
		if err := s.announce(m.DeviceID); err != nil {
			return fmt.Errorf("announce device %d: %w", m.DeviceID, err)
		}
		s.mu.Lock()
		s.announced[m.DeviceID] = true
		s.mu.Unlock()
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode measurement: %w", err)
	}
	if err := s.publish(s.stateTopic(m.DeviceID), true, payload); err != nil {
		return fmt.Errorf("publish device %d: %w", m.DeviceID, err)
	}
	return nil
}

// SetOnline publishes the gateway reachability when it changes.
func (s *MQTTSink) SetOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()

	if !changed {
		return
	}
	s.republishStatus()
}

func (s *MQTTSink) republishStatus() {
	s.mu.Lock()
	state := "offline"
	if s.online {
		state = "online"
	}
	s.mu.Unlock()

	if err := s.publish(statusTopic(s.prefix), true, state); err != nil {
		s.logger.Warn("MQTT status publish failed", zap.String("state", state), zap.Error(err))
	}
}

// Close publishes offline and disconnects.
func (s *MQTTSink) Close() {
	s.SetOnline(false)
	s.client.Disconnect(250)
}

type hassAutoconfig struct {
	DeviceClass       string               `json:"dev_cla"`
	UnitOfMeasurement string               `json:"unit_of_meas"`
	Name              string               `json:"name"`
	StateTopic        string               `json:"stat_t"`
	ValueTemplate     string               `json:"val_tpl"`
	AvailabilityTopic string               `json:"avty_t"`
	UniqueID          string               `json:"uniq_id"`
	StateClass        string               `json:"stat_cla"`
	Device            hassAutoconfigDevice `json:"dev"`
}

type hassAutoconfigDevice struct {
	IDs  string `json:"ids"`
	Name string `json:"name"`
}

var hassSensors = []struct {
	field, class, unit string
}{
	{"power", "power", "W"},
	{"voltage", "voltage", "V"},
	{"current", "current", "A"},
	{"temperature", "temperature", "°C"},
}

func (s *MQTTSink) announce(deviceID int) error {
	hostname, _ := os.Hostname()
	deviceKey := fmt.Sprintf("%s_inverter_%d", hostname, deviceID)

	for _, sensor := range hassSensors {
		cfg := hassAutoconfig{
			DeviceClass:       sensor.class,
			UnitOfMeasurement: sensor.unit,
			Name:              sensor.field,
			StateTopic:        s.stateTopic(deviceID),
			ValueTemplate:     "{{ value_json." + sensor.field + " }}",
			AvailabilityTopic: statusTopic(s.prefix),
			UniqueID:          fmt.Sprint(s.prefix, ".", deviceKey, ".", sensor.field),
			StateClass:        "measurement",
			Device: hassAutoconfigDevice{
				IDs:  deviceKey,
				Name: fmt.Sprintf("Inverter %d", deviceID),
			},
		}
		payload, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		topic := "homeassistant/sensor/" + deviceKey + "/" + sensor.field + "/config"
		if err := s.publish(topic, true, payload); err != nil {
			return err
		}
	}
	return nil
}
