package boxkit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/boxkit/drivers/switchbox"
)

// Relay exposes one raw channel as a switchable outlet, full power when on.
type Relay struct {
	Name           string
	Box            string
	Channel        int
	Exclusive      bool
	DisableHomekit bool
	State          bool
	IsFaulty       bool

	box *switchbox.SwitchBox

	hk    *accessory.Outlet
	fault *characteristic.StatusFault

	lock sync.Mutex
}

func (re *Relay) GetBoxName() string {
	return re.Box
}

func (re *Relay) GetUniqueId() uint64 {
	hash := fnv.New64()
	hash.Write([]byte("Relay_" + re.Name))
	return hash.Sum64()
}

func (re *Relay) Init(ctx context.Context, dir switchbox.Directory) error {
	if len(re.Name) == 0 {
		return errors.New("relay requires a name")
	}

	var err error
	re.box, err = switchbox.Bind(ctx, dir, re.Box, 0, 0)
	if err != nil {
		return errors.Wrapf(err, "relay %s init failed", re.Name)
	}

	if _, _, err := switchbox.ResolveChannel(re.Channel); err != nil {
		return errors.Wrapf(err, "relay %s init failed", re.Name)
	}

	if re.DisableHomekit {
		return nil
	}
	info := accessory.Info{
		Name:         re.Name,
		SerialNumber: fmt.Sprintf("relay:%s:%02d", re.Box, re.Channel),
	}
	re.hk = accessory.NewOutlet(info)

	re.fault = characteristic.NewStatusFault()
	re.fault.SetValue(characteristic.StatusFaultNoFault)
	re.hk.Outlet.AddC(re.fault.C)

	re.hk.Outlet.On.OnValueRemoteUpdate(re.SetValue)
	return nil
}

func (re *Relay) On(ctx context.Context) (bool, error) {
	return re.drive(ctx, true)
}

func (re *Relay) Off(ctx context.Context) (bool, error) {
	return re.drive(ctx, false)
}

// GetState reads the channel back from the box, any powered state counts
// as on.
func (re *Relay) GetState() (bool, error) {
	state, err := re.box.ReadChannel(re.Channel)
	if err != nil {
		return false, err
	}
	return state > switchbox.StateOff, nil
}

func (re *Relay) drive(ctx context.Context, on bool) (bool, error) {
	target := switchbox.StateOff
	if on {
		target = switchbox.StateFull
	}

	ack, err := re.box.WriteChannel(ctx, re.Channel, target, !re.Exclusive, 0)
	if err != nil {
		return ack, errors.Wrapf(err, "driving relay %s failed", re.Name)
	}
	if ack {
		re.setState(on)
	}
	return ack, nil
}

func (re *Relay) setState(on bool) {
	re.lock.Lock()
	defer re.lock.Unlock()

	if on == re.State {
		return
	}
	re.State = on
	if re.hk != nil {
		re.hk.Outlet.On.SetValue(on)
	}
}

func (re *Relay) SetValue(on bool) {
	go func() {
		_, err := re.drive(context.Background(), on)
		if err != nil {
			log.Error("relay drive failed", "relay", re.Name, "err", err)
		}
	}()
}

func (re *Relay) Sync() error {
	re.lock.Lock()
	defer re.lock.Unlock()

	on, err := re.GetState()

	if re.hk != nil {
		if err != nil {
			re.fault.SetValue(characteristic.StatusFaultGeneralFault)
			re.IsFaulty = true
		} else {
			re.fault.SetValue(characteristic.StatusFaultNoFault)
			re.IsFaulty = false
		}
	}

	if err != nil {
		return errors.Wrapf(err, "syncing relay %s failed", re.Name)
	}

	if on != re.State {
		re.State = on
		if re.hk != nil {
			re.hk.Outlet.On.SetValue(on)
		}
	}

	return nil
}

func (re *Relay) GetHk() *accessory.A {
	if re.hk == nil {
		return nil
	}
	return re.hk.A
}
