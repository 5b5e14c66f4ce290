package boxkit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"

	"github.com/hubertat/boxkit/drivers/switchbox"
)

type recordingPublisher struct {
	lock     sync.Mutex
	topics   []string
	payloads []string
	fail     error
}

func (rp *recordingPublisher) Publish(topic string, payload []byte) error {
	rp.lock.Lock()
	defer rp.lock.Unlock()

	if rp.fail != nil {
		return rp.fail
	}
	rp.topics = append(rp.topics, topic)
	rp.payloads = append(rp.payloads, string(payload))
	return nil
}

func (rp *recordingPublisher) count() int {
	rp.lock.Lock()
	defer rp.lock.Unlock()

	return len(rp.topics)
}

func makeValve(t testing.TB, valve *SolenoidValve) *switchbox.MockIO {
	t.Helper()

	box := &switchbox.SwitchBox{Name: "bench", Mock: true}
	reg := switchbox.NewRegistry()
	assertNoError(t, box.Setup(context.Background(), reg))

	valve.Box = "bench"
	assertNoError(t, valve.Init(context.Background(), reg))

	return box.MockIO()
}

func waitForWord(t testing.TB, mio *switchbox.MockIO, port switchbox.Port, want uint16) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mio.PortWord(port) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("port %s word: got %d, want %d", port, mio.PortWord(port), want)
}

func TestValveInitRequiresName(t *testing.T) {
	valve := &SolenoidValve{Box: "bench", Channel: 1}

	assertError(t, valve.Init(context.Background(), switchbox.NewRegistry()))
}

func TestValveInitUnknownBox(t *testing.T) {
	valve := &SolenoidValve{Name: "lost", Box: "elsewhere", Channel: 1, DisableHomekit: true}

	reg := switchbox.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := valve.Init(ctx, reg)
	assertError(t, err)
	if !errors.Is(err, switchbox.ErrConfiguration) {
		t.Errorf("expected configuration error, got: %v", err)
	}
}

func TestValveInitRejectsBadChannel(t *testing.T) {
	valve := &SolenoidValve{Name: "bad", Channel: 0, DisableHomekit: true}

	err := func() error {
		box := &switchbox.SwitchBox{Name: "bench", Mock: true}
		reg := switchbox.NewRegistry()
		assertNoError(t, box.Setup(context.Background(), reg))
		valve.Box = "bench"
		return valve.Init(context.Background(), reg)
	}()

	assertError(t, err)
	if !errors.Is(err, switchbox.ErrValidation) {
		t.Errorf("expected validation error, got: %v", err)
	}
}

func TestValveInitRejectsBadHold(t *testing.T) {
	valve := &SolenoidValve{Name: "bad", Channel: 1, LowPowerAfter: "soon", DisableHomekit: true}

	box := &switchbox.SwitchBox{Name: "bench", Mock: true}
	reg := switchbox.NewRegistry()
	assertNoError(t, box.Setup(context.Background(), reg))
	valve.Box = "bench"

	assertError(t, valve.Init(context.Background(), reg))
}

func TestValveOpenCloseNormallyClosed(t *testing.T) {
	valve := &SolenoidValve{Name: "drain", Channel: 1, DisableHomekit: true}
	mio := makeValve(t, valve)

	ack, err := valve.Open(context.Background())
	assertNoError(t, err)
	if !ack {
		t.Fatal("expected acked open")
	}
	assertWord(t, mio, switchbox.PortA, 257)
	if !valve.State {
		t.Error("expected valve state open")
	}

	ack, err = valve.Close(context.Background())
	assertNoError(t, err)
	if !ack {
		t.Fatal("expected acked close")
	}
	assertWord(t, mio, switchbox.PortA, 0)
	if valve.State {
		t.Error("expected valve state closed")
	}
}

func TestValveOpenCloseNormallyOpen(t *testing.T) {
	valve := &SolenoidValve{Name: "bypass", Channel: 1, NormallyOpen: true, DisableHomekit: true}
	mio := makeValve(t, valve)

	mio.SetPortWord(switchbox.PortA, 257)

	ack, err := valve.Open(context.Background())
	assertNoError(t, err)
	if !ack {
		t.Fatal("expected acked open")
	}
	assertWord(t, mio, switchbox.PortA, 0)

	ack, err = valve.Close(context.Background())
	assertNoError(t, err)
	if !ack {
		t.Fatal("expected acked close")
	}
	assertWord(t, mio, switchbox.PortA, 257)
}

func TestValveLowPowerHold(t *testing.T) {
	valve := &SolenoidValve{Name: "drain", Channel: 1, LowPowerAfter: "30ms", DisableHomekit: true}
	mio := makeValve(t, valve)

	ack, err := valve.Open(context.Background())
	assertNoError(t, err)
	if !ack {
		t.Fatal("expected acked open")
	}

	assertWord(t, mio, switchbox.PortA, 256)
	sets := countSetRequests(mio.RequestLog())
	if sets != 2 {
		t.Errorf("expected full power write and one downgrade, got %d set requests", sets)
	}
}

func TestValveKeepsSiblings(t *testing.T) {
	valve := &SolenoidValve{Name: "drain", Channel: 1, DisableHomekit: true}
	mio := makeValve(t, valve)

	mio.SetPortWord(switchbox.PortA, 2<<8|2)

	ack, err := valve.Open(context.Background())
	assertNoError(t, err)
	if !ack {
		t.Fatal("expected acked open")
	}
	assertWord(t, mio, switchbox.PortA, 2<<8|2|257)
}

func TestValveExclusiveClearsSiblings(t *testing.T) {
	valve := &SolenoidValve{Name: "drain", Channel: 1, Exclusive: true, DisableHomekit: true}
	mio := makeValve(t, valve)

	mio.SetPortWord(switchbox.PortA, 2<<8|2)

	ack, err := valve.Open(context.Background())
	assertNoError(t, err)
	if !ack {
		t.Fatal("expected acked open")
	}
	assertWord(t, mio, switchbox.PortA, 257)
}

func TestValveIsOpen(t *testing.T) {
	valve := &SolenoidValve{Name: "drain", Channel: 1, DisableHomekit: true}
	mio := makeValve(t, valve)

	open, err := valve.IsOpen()
	assertNoError(t, err)
	if open {
		t.Error("expected normally closed valve without power to read closed")
	}

	mio.SetPortWord(switchbox.PortA, 256)

	open, err = valve.IsOpen()
	assertNoError(t, err)
	if !open {
		t.Error("expected energized valve to read open")
	}

	normallyOpen := &SolenoidValve{Name: "bypass", Channel: 2, NormallyOpen: true, DisableHomekit: true}
	mio = makeValve(t, normallyOpen)

	open, err = normallyOpen.IsOpen()
	assertNoError(t, err)
	if !open {
		t.Error("expected normally open valve without power to read open")
	}
}

func TestValveSyncPublishesOnChange(t *testing.T) {
	valve := &SolenoidValve{Name: "Fill Valve", Channel: 1, DisableHomekit: true}
	mio := makeValve(t, valve)

	publisher := &recordingPublisher{}
	valve.SetMqtt(publisher)

	mio.SetPortWord(switchbox.PortA, 257)

	assertNoError(t, valve.Sync())
	if !valve.State {
		t.Fatal("expected valve open after sync")
	}
	if publisher.count() != 1 {
		t.Fatalf("expected one published state, got %d", publisher.count())
	}
	if publisher.topics[0] != "boxkit/valve/fill_valve" {
		t.Errorf("unexpected state topic: %s", publisher.topics[0])
	}
	if publisher.payloads[0] != "open" {
		t.Errorf("unexpected state payload: %s", publisher.payloads[0])
	}

	assertNoError(t, valve.Sync())
	if publisher.count() != 1 {
		t.Errorf("expected no publish without state change, got %d", publisher.count())
	}
}

func TestValveMqttTopics(t *testing.T) {
	valve := &SolenoidValve{Name: "Fill Valve"}

	topic := valve.MqttSubscribeTopic()
	if topic != "boxkit/valve/fill_valve/set" {
		t.Errorf("unexpected subscribe topic: %s", topic)
	}
}

func TestValveMqttHandle(t *testing.T) {
	valve := &SolenoidValve{Name: "drain", Channel: 1, DisableHomekit: true}
	mio := makeValve(t, valve)

	valve.MqttHandle(&paho.Publish{Payload: []byte(" OPEN ")})
	waitForWord(t, mio, switchbox.PortA, 257)

	valve.MqttHandle(&paho.Publish{Payload: []byte("close")})
	waitForWord(t, mio, switchbox.PortA, 0)

	valve.MqttHandle(&paho.Publish{Payload: []byte("sideways")})
	time.Sleep(20 * time.Millisecond)
	assertWord(t, mio, switchbox.PortA, 0)
}
