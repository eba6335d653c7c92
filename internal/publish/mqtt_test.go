package publish

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/config"
	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap/zaptest"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (t doneToken) Error() error                   { return t.err }

type message struct {
	topic    string
	retained bool
	payload  string
}

// recordingClient implements the parts of mqtt.Client the sink uses.
type recordingClient struct {
	mqtt.Client

	mu           sync.Mutex
	messages     []message
	err          error
	disconnected bool
}

func (c *recordingClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var body string
	switch p := payload.(type) {
	case string:
		body = p
	case []byte:
		body = string(p)
	}
	c.messages = append(c.messages, message{topic: topic, retained: retained, payload: body})
	return doneToken{err: c.err}
}

func (c *recordingClient) Disconnect(uint) {
	c.disconnected = true
}

func (c *recordingClient) topics(prefix string) []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []message
	for _, m := range c.messages {
		if strings.HasPrefix(m.topic, prefix) {
			out = append(out, m)
		}
	}
	return out
}

func TestAppendPublishesStateAndAnnouncesOnce(t *testing.T) {
	client := &recordingClient{}
	sink := NewMQTTSink(client, config.MQTTConfig{TopicPrefix: "plant"}, zaptest.NewLogger(t))

	m := types.Measurement{DeviceID: 3, Timestamp: time.Now().UTC(), Power: 1500, Voltage: 230.4}
	if err := sink.Append(context.Background(), m); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := sink.Append(context.Background(), m); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if got := len(client.topics("homeassistant/")); got != len(hassSensors) {
		t.Fatalf("expected %d discovery messages, got %d", len(hassSensors), got)
	}

	states := client.topics("plant/device/3/state")
	if len(states) != 2 || !states[0].retained {
		t.Fatalf("unexpected state messages: %+v", states)
	}
	var decoded types.Measurement
	if err := json.Unmarshal([]byte(states[0].payload), &decoded); err != nil {
		t.Fatalf("state payload: %v", err)
	}
	if decoded.Power != 1500 || decoded.DeviceID != 3 {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestSetOnlinePublishesOnChange(t *testing.T) {
	client := &recordingClient{}
	sink := NewMQTTSink(client, config.MQTTConfig{}, zaptest.NewLogger(t))

	sink.SetOnline(true)
	sink.SetOnline(true)
	sink.SetOnline(false)

	status := client.topics("solar/status")
	if len(status) != 2 || status[0].payload != "online" || status[1].payload != "offline" || !status[0].retained {
		t.Fatalf("unexpected status messages: %+v", status)
	}

	sink.Close()
	if !client.disconnected {
		t.Fatalf("Close must disconnect")
	}
}

func TestAppendReportsBrokerError(t *testing.T) {
	client := &recordingClient{err: errors.New("not connected")}
	sink := NewMQTTSink(client, config.MQTTConfig{}, zaptest.NewLogger(t))

	if err := sink.Append(context.Background(), types.Measurement{DeviceID: 1}); err == nil {
		t.Fatalf("expected error")
	}
}
