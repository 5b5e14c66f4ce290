package mqtt

import (
	"context"
	"testing"

	"github.com/eclipse/paho.golang/paho"
)

type fakeHandler struct {
	topic    string
	received []*paho.Publish
}

func (fh *fakeHandler) MqttHandle(pub *paho.Publish) {
	fh.received = append(fh.received, pub)
}

func (fh *fakeHandler) MqttSubscribeTopic() string {
	return fh.topic
}

func TestNewMqttClientConfig(t *testing.T) {
	mc, err := NewMqttClient("mqtt://localhost:1883", "tester")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mc.config.ServerUrls) != 1 || mc.config.ServerUrls[0].Host != "localhost:1883" {
		t.Errorf("unexpected server urls: %v", mc.config.ServerUrls)
	}
	if mc.config.ClientID != "tester" {
		t.Errorf("unexpected client id: %s", mc.config.ClientID)
	}
	if len(mc.config.OnPublishReceived) != 1 {
		t.Errorf("expected one publish callback, got %d", len(mc.config.OnPublishReceived))
	}
}

func TestNewMqttClientBadUrl(t *testing.T) {
	_, err := NewMqttClient("://nope", "tester")
	if err == nil {
		t.Fatal("expected error for malformed broker url")
	}
}

func TestRouteDispatch(t *testing.T) {
	mc, err := NewMqttClient("mqtt://localhost:1883", "tester")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := &fakeHandler{topic: "boxkit/valve/drain/set"}
	second := &fakeHandler{topic: "boxkit/valve/fill/set"}
	mc.handlers = []MqttHandler{first, second}

	handled, err := mc.route(paho.PublishReceived{
		Packet: &paho.Publish{Topic: "boxkit/valve/drain/set", Payload: []byte("open")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handled {
		t.Error("expected message handled")
	}
	if len(first.received) != 1 || string(first.received[0].Payload) != "open" {
		t.Errorf("expected first handler to receive the publish, got %v", first.received)
	}
	if len(second.received) != 0 {
		t.Errorf("expected second handler untouched, got %v", second.received)
	}

	handled, err = mc.route(paho.PublishReceived{
		Packet: &paho.Publish{Topic: "boxkit/other"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handled {
		t.Error("expected message unhandled")
	}
}

func TestPublishWithoutConnection(t *testing.T) {
	mc, err := NewMqttClient("mqtt://localhost:1883", "tester")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if mc.Publish("boxkit/valve/drain", []byte("open")) == nil {
		t.Error("expected publish to fail without a connection")
	}
}

func TestDisconnectWithoutConnection(t *testing.T) {
	mc, err := NewMqttClient("mqtt://localhost:1883", "tester")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mc.Disconnect(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
