package boxkit

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"

	"github.com/hubertat/boxkit/drivers/switchbox"
	"github.com/hubertat/boxkit/mqtt"
)

// SolenoidValve drives one relay channel as an isolation valve. A normally
// open valve passes flow without power, so opening it switches the channel
// off and closing it energizes the coil; a normally closed valve works the
// other way round. LowPowerAfter, when set, drops an energized coil to half
// power after the hold to keep it from heating.
type SolenoidValve struct {
	Name           string
	Box            string
	Channel        int
	NormallyOpen   bool
	Exclusive      bool
	LowPowerAfter  string
	DisableHomekit bool
	State          bool
	IsFaulty       bool

	box       *switchbox.SwitchBox
	lowPower  time.Duration
	publisher mqtt.Publisher

	hk    *accessory.Switch
	fault *characteristic.StatusFault

	lock sync.Mutex
}

func (sv *SolenoidValve) GetBoxName() string {
	return sv.Box
}

func (sv *SolenoidValve) GetUniqueId() uint64 {
	hash := fnv.New64()
	hash.Write([]byte("SolenoidValve_" + sv.Name))
	return hash.Sum64()
}

func (sv *SolenoidValve) Init(ctx context.Context, dir switchbox.Directory) error {
	if len(sv.Name) == 0 {
		return errors.New("solenoid valve requires a name")
	}

	var err error
	sv.box, err = switchbox.Bind(ctx, dir, sv.Box, 0, 0)
	if err != nil {
		return errors.Wrapf(err, "valve %s init failed", sv.Name)
	}

	if _, _, err := switchbox.ResolveChannel(sv.Channel); err != nil {
		return errors.Wrapf(err, "valve %s init failed", sv.Name)
	}

	if len(sv.LowPowerAfter) > 0 {
		sv.lowPower, err = time.ParseDuration(sv.LowPowerAfter)
		if err != nil {
			return errors.Wrapf(err, "valve %s: parsing low power hold %q failed", sv.Name, sv.LowPowerAfter)
		}
	}

	if sv.DisableHomekit {
		return nil
	}
	info := accessory.Info{
		Name:         sv.Name,
		SerialNumber: fmt.Sprintf("valve:%s:%02d", sv.Box, sv.Channel),
	}
	sv.hk = accessory.NewSwitch(info)

	sv.fault = characteristic.NewStatusFault()
	sv.fault.SetValue(characteristic.StatusFaultNoFault)
	sv.hk.Switch.AddC(sv.fault.C)

	sv.hk.Switch.On.OnValueRemoteUpdate(sv.SetValue)
	return nil
}

// Open drives the valve to pass flow. The acknowledgement comes from the
// instrument; with a low power hold configured the call blocks until the
// coil is lowered.
func (sv *SolenoidValve) Open(ctx context.Context) (bool, error) {
	return sv.drive(ctx, true)
}

// Close shuts the flow path off.
func (sv *SolenoidValve) Close(ctx context.Context) (bool, error) {
	return sv.drive(ctx, false)
}

// IsOpen reads the channel back from the box and maps it through the
// normally open logic; any powered state counts as energized.
func (sv *SolenoidValve) IsOpen() (bool, error) {
	state, err := sv.box.ReadChannel(sv.Channel)
	if err != nil {
		return false, err
	}
	return (state > switchbox.StateOff) != sv.NormallyOpen, nil
}

func (sv *SolenoidValve) drive(ctx context.Context, open bool) (bool, error) {
	target := switchbox.StateOff
	if open != sv.NormallyOpen {
		target = switchbox.StateFull
	}

	ack, err := sv.box.WriteChannel(ctx, sv.Channel, target, !sv.Exclusive, sv.lowPower)
	if err != nil {
		return ack, errors.Wrapf(err, "driving valve %s failed", sv.Name)
	}
	if ack {
		sv.setOpen(open)
	}
	return ack, nil
}

func (sv *SolenoidValve) setOpen(open bool) {
	sv.lock.Lock()
	defer sv.lock.Unlock()

	if open == sv.State {
		return
	}
	sv.State = open
	if sv.hk != nil {
		sv.hk.Switch.On.SetValue(open)
	}
	sv.publishState(open)
}

// SetValue takes the HomeKit remote update; the write runs detached so a
// low power hold does not stall the accessory callback.
func (sv *SolenoidValve) SetValue(open bool) {
	go func() {
		_, err := sv.drive(context.Background(), open)
		if err != nil {
			log.Error("valve drive failed", "valve", sv.Name, "err", err)
		}
	}()
}

func (sv *SolenoidValve) Sync() error {
	sv.lock.Lock()
	defer sv.lock.Unlock()

	open, err := sv.IsOpen()

	if sv.hk != nil {
		if err != nil {
			sv.fault.SetValue(characteristic.StatusFaultGeneralFault)
			sv.IsFaulty = true
		} else {
			sv.fault.SetValue(characteristic.StatusFaultNoFault)
			sv.IsFaulty = false
		}
	}

	if err != nil {
		return errors.Wrapf(err, "syncing valve %s failed", sv.Name)
	}

	if open != sv.State {
		sv.State = open
		if sv.hk != nil {
			sv.hk.Switch.On.SetValue(open)
		}
		sv.publishState(open)
	}

	return nil
}

func (sv *SolenoidValve) GetHk() *accessory.A {
	if sv.hk == nil {
		return nil
	}
	return sv.hk.A
}

// SetMqtt hands the valve its publisher and returns the handlers the client
// should subscribe for it.
func (sv *SolenoidValve) SetMqtt(publisher mqtt.Publisher) []mqtt.MqttHandler {
	sv.publisher = publisher
	return []mqtt.MqttHandler{sv}
}

func (sv *SolenoidValve) MqttSubscribeTopic() string {
	return fmt.Sprintf("boxkit/valve/%s/set", topicSlug(sv.Name))
}

func (sv *SolenoidValve) MqttHandle(pub *paho.Publish) {
	payload := strings.ToLower(strings.TrimSpace(string(pub.Payload)))
	switch payload {
	case "open":
		sv.SetValue(true)
	case "close", "closed":
		sv.SetValue(false)
	default:
		log.Warn("unrecognized valve command", "valve", sv.Name, "payload", payload)
	}
}

func (sv *SolenoidValve) publishState(open bool) {
	if sv.publisher == nil {
		return
	}

	payload := "closed"
	if open {
		payload = "open"
	}
	topic := fmt.Sprintf("boxkit/valve/%s", topicSlug(sv.Name))
	err := sv.publisher.Publish(topic, []byte(payload))
	if err != nil {
		log.Error("publishing valve state failed", "valve", sv.Name, "err", err)
	}
}

func topicSlug(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}
