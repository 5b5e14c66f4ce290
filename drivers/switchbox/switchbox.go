package switchbox

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// downgradeWholePort marks a scheduled downgrade covering every full power
// channel of its port instead of a single one.
const downgradeWholePort = 0

// SwitchBox drives one relay/ADC/DAC box over its serial line. The exported
// fields come from configuration, Setup brings the box up and registers it
// under Name.
type SwitchBox struct {
	Name        string
	Device      string
	BaudRate    int
	ReadTimeout string
	Mock        bool

	io      IO
	version string
	logger  *log.Logger

	portLocks map[Port]*sync.Mutex

	pendingLock sync.Mutex
	pending     map[Port]*pendingDowngrade
}

// pendingDowngrade is the single in-flight low power timer of a port.
// Scheduling a new one closes superseded on the old.
type pendingDowngrade struct {
	channel    int
	superseded chan struct{}
}

func (box *SwitchBox) String() string {
	return fmt.Sprintf("switchbox %s", box.Name)
}

// SetIO injects a transport; Setup then skips opening Device.
func (box *SwitchBox) SetIO(io IO) {
	box.io = io
}

// MockIO returns the in-process instrument when the box runs with
// Mock set, nil otherwise.
func (box *SwitchBox) MockIO() *MockIO {
	mio, _ := box.io.(*MockIO)
	return mio
}

func (box *SwitchBox) Version() string {
	return box.version
}

func (box *SwitchBox) Setup(ctx context.Context, reg *Registry) (err error) {
	if len(box.Name) == 0 {
		return errors.Wrap(ErrConfiguration, "switchbox requires a name")
	}

	box.logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "switchbox " + box.Name + ": ",
		Level:  log.GetLevel(),
	})

	readTimeout := DefaultReadTimeout
	if len(box.ReadTimeout) > 0 {
		readTimeout, err = time.ParseDuration(box.ReadTimeout)
		if err != nil {
			return errors.Wrapf(ErrConfiguration, "parsing read timeout %q failed: %v", box.ReadTimeout, err)
		}
	}

	if box.io == nil {
		if box.Mock {
			box.io = NewMockIO()
		} else {
			if len(box.Device) == 0 {
				return errors.Wrapf(ErrConfiguration, "switchbox %s requires a serial device path", box.Name)
			}
			box.io, err = OpenSerialIO(box.Device, box.BaudRate, readTimeout)
			if err != nil {
				return errors.Wrapf(err, "opening %s failed", box)
			}
		}
	}

	box.portLocks = make(map[Port]*sync.Mutex, len(Ports))
	for _, port := range Ports {
		box.portLocks[port] = &sync.Mutex{}
	}
	box.pending = make(map[Port]*pendingDowngrade)

	reply, err := box.io.Exchange(getVersionCommand())
	if err != nil {
		return errors.Wrapf(err, "reading %s firmware version failed", box)
	}
	box.version = reply
	box.logger.Info("connected", "version", box.version)

	if reg != nil {
		err = reg.Register(box)
		if err != nil {
			return err
		}
	}

	return nil
}

func (box *SwitchBox) Close() error {
	if box.io == nil {
		return nil
	}
	return box.io.Close()
}

// ReadAllPorts fetches every port word in one request and decodes them.
func (box *SwitchBox) ReadAllPorts() (PortStates, error) {
	reply, err := box.io.Exchange(getAllPortsCommand())
	if err != nil {
		return nil, err
	}
	words, err := parsePortsReply(reply)
	if err != nil {
		return nil, err
	}

	states := make(PortStates, len(Ports))
	for _, port := range Ports {
		word, found := words[port]
		if !found {
			return nil, errors.Wrapf(ErrProtocol, "port %s missing from readout %q", port, reply)
		}
		states[port] = UnpackWord(word)
	}
	return states, nil
}

func (box *SwitchBox) ReadPort(port Port) ([]ChannelState, error) {
	port, err := ParsePort(string(port))
	if err != nil {
		return nil, err
	}
	reply, err := box.io.Exchange(getPortCommand(port))
	if err != nil {
		return nil, err
	}
	words, err := parsePortsReply(reply)
	if err != nil {
		return nil, err
	}
	word, found := words[port]
	if !found {
		return nil, errors.Wrapf(ErrProtocol, "port %s missing from readout %q", port, reply)
	}
	return UnpackWord(word), nil
}

func (box *SwitchBox) ReadChannel(channel int) (ChannelState, error) {
	port, local, err := ResolveChannel(channel)
	if err != nil {
		return StateOff, err
	}
	states, err := box.ReadAllPorts()
	if err != nil {
		return StateOff, err
	}
	return states[port][local-1], nil
}

// WritePort replaces a whole port with the given states, padding short
// vectors with off. Returns whether the instrument acknowledged.
func (box *SwitchBox) WritePort(port Port, states []ChannelState) (bool, error) {
	port, err := ParsePort(string(port))
	if err != nil {
		return false, err
	}
	normalized, err := normalizeStates(states)
	if err != nil {
		return false, err
	}

	box.cancelPending(port, downgradeWholePort)

	lock := box.portLocks[port]
	lock.Lock()
	defer lock.Unlock()
	return box.writePortLocked(port, normalized)
}

// WriteAllPorts replaces all four ports in one request; ports missing from
// the map are switched off.
func (box *SwitchBox) WriteAllPorts(all PortStates) (bool, error) {
	canonical := make(PortStates, len(all))
	for port, states := range all {
		parsed, err := ParsePort(string(port))
		if err != nil {
			return false, err
		}
		canonical[parsed] = states
	}

	words := make([]uint16, 0, len(Ports))
	for _, port := range Ports {
		normalized, err := normalizeStates(canonical[port])
		if err != nil {
			return false, errors.Wrapf(err, "port %s", port)
		}
		word, err := PackWord(normalized)
		if err != nil {
			return false, errors.Wrapf(err, "port %s", port)
		}
		words = append(words, word)
	}

	for _, port := range Ports {
		box.cancelPending(port, downgradeWholePort)
	}
	for _, port := range Ports {
		box.portLocks[port].Lock()
	}
	defer func() {
		for _, port := range Ports {
			box.portLocks[port].Unlock()
		}
	}()

	reply, err := box.io.Exchange(setAllPortsCommand(words))
	if err != nil {
		return false, err
	}
	return isAck(reply), nil
}

// WriteChannel drives a single channel. With keepSiblings the other
// channels of the port keep their current state (read back first),
// otherwise they are switched off. When state is full power and
// lowPowerAfter is positive the call holds for that long and then lowers
// the channel to half power with a second port write, returning the second
// acknowledgement; a write failure skips the hold. A context cancellation
// during the hold abandons the downgrade and surfaces the context error.
func (box *SwitchBox) WriteChannel(ctx context.Context, channel int, state ChannelState, keepSiblings bool, lowPowerAfter time.Duration) (bool, error) {
	port, local, err := ResolveChannel(channel)
	if err != nil {
		return false, err
	}
	if !state.Valid() {
		return false, errors.Wrapf(ErrValidation, "channel state %d out of range", state)
	}

	box.cancelPending(port, local)

	lock := box.portLocks[port]
	lock.Lock()
	states := make([]ChannelState, PortChannels)
	if keepSiblings {
		all, readErr := box.ReadAllPorts()
		if readErr != nil {
			lock.Unlock()
			return false, errors.Wrapf(readErr, "reading ports before writing channel %d failed", channel)
		}
		copy(states, all[port])
	}
	states[local-1] = state
	ack, err := box.writePortLocked(port, states)
	lock.Unlock()

	if err != nil || !ack {
		return ack, err
	}
	if state != StateFull || lowPowerAfter <= 0 {
		return ack, nil
	}

	return box.holdThenLower(ctx, port, local, lowPowerAfter, ack)
}

// WritePortLowPower writes a whole port and, after the hold, lowers every
// full power channel of it to half power in a second write.
func (box *SwitchBox) WritePortLowPower(ctx context.Context, port Port, states []ChannelState, after time.Duration) (bool, error) {
	port, err := ParsePort(string(port))
	if err != nil {
		return false, err
	}
	normalized, err := normalizeStates(states)
	if err != nil {
		return false, err
	}

	box.cancelPending(port, downgradeWholePort)

	lock := box.portLocks[port]
	lock.Lock()
	ack, err := box.writePortLocked(port, normalized)
	lock.Unlock()

	if err != nil || !ack {
		return ack, err
	}

	hasFull := false
	for _, state := range normalized {
		if state == StateFull {
			hasFull = true
		}
	}
	if after <= 0 || !hasFull {
		return ack, nil
	}

	return box.holdThenLower(ctx, port, downgradeWholePort, after, ack)
}

// ReadStartPort fetches the states a port powers up with.
func (box *SwitchBox) ReadStartPort(port Port) ([]ChannelState, error) {
	port, err := ParsePort(string(port))
	if err != nil {
		return nil, err
	}
	reply, err := box.io.Exchange(getStartPortCommand(port))
	if err != nil {
		return nil, err
	}
	words, err := parsePortsReply(reply)
	if err != nil {
		return nil, err
	}
	word, found := words[port]
	if !found {
		return nil, errors.Wrapf(ErrProtocol, "port %s missing from readout %q", port, reply)
	}
	return UnpackWord(word), nil
}

// WriteStartPort stores a port's boot default. The write goes to the
// instrument's startup memory, the live outputs stay untouched.
func (box *SwitchBox) WriteStartPort(port Port, states []ChannelState) (bool, error) {
	port, err := ParsePort(string(port))
	if err != nil {
		return false, err
	}
	normalized, err := normalizeStates(states)
	if err != nil {
		return false, err
	}
	word, err := PackWord(normalized)
	if err != nil {
		return false, err
	}
	reply, err := box.io.Exchange(setStartPortCommand(port, word))
	if err != nil {
		return false, err
	}
	return isAck(reply), nil
}

func (box *SwitchBox) writePortLocked(port Port, states []ChannelState) (bool, error) {
	word, err := PackWord(states)
	if err != nil {
		return false, err
	}
	reply, err := box.io.Exchange(setPortCommand(port, word))
	if err != nil {
		return false, err
	}
	return isAck(reply), nil
}

func normalizeStates(states []ChannelState) ([]ChannelState, error) {
	if len(states) > PortChannels {
		return nil, errors.Wrapf(ErrValidation, "got %d channel states, a port has %d channels", len(states), PortChannels)
	}
	normalized := make([]ChannelState, PortChannels)
	for i, state := range states {
		if !state.Valid() {
			return nil, errors.Wrapf(ErrValidation, "channel state %d out of range", state)
		}
		normalized[i] = state
	}
	return normalized, nil
}

// holdThenLower waits out the hold and rewrites the port with the target
// channel (or, with downgradeWholePort, every full power channel) lowered
// to half power. The port is read back before the second write, so states
// written by others during the hold are preserved.
func (box *SwitchBox) holdThenLower(ctx context.Context, port Port, channel int, after time.Duration, firstAck bool) (bool, error) {
	pd := box.schedulePending(port, channel)
	defer box.clearPending(port, pd)

	timer := time.NewTimer(after)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		box.logger.Error("low power downgrade abandoned", "port", port, "channel", channel, "err", ctx.Err())
		return firstAck, ctx.Err()
	case <-pd.superseded:
		return firstAck, nil
	case <-timer.C:
	}

	lock := box.portLocks[port]
	lock.Lock()
	defer lock.Unlock()

	// A write racing the expired timer may have cancelled us already.
	box.pendingLock.Lock()
	current := box.pending[port] == pd
	box.pendingLock.Unlock()
	if !current {
		return firstAck, nil
	}

	all, err := box.ReadAllPorts()
	if err != nil {
		return firstAck, errors.Wrapf(err, "reading port %s before low power downgrade failed", port)
	}
	states := all[port]
	for i := range states {
		if channel != downgradeWholePort && i != channel-1 {
			continue
		}
		if states[i] == StateFull {
			states[i] = StateHalf
		}
	}

	box.logger.Debug("lowering to half power", "port", port, "channel", channel)
	return box.writePortLocked(port, states)
}

// schedulePending registers the port's new in-flight downgrade, superseding
// any previous one.
func (box *SwitchBox) schedulePending(port Port, channel int) *pendingDowngrade {
	box.pendingLock.Lock()
	defer box.pendingLock.Unlock()

	if old, found := box.pending[port]; found {
		close(old.superseded)
	}
	pd := &pendingDowngrade{channel: channel, superseded: make(chan struct{})}
	box.pending[port] = pd
	return pd
}

// cancelPending drops the port's scheduled downgrade before a new write.
// With downgradeWholePort any pending downgrade goes, otherwise only one
// targeting the given channel or the whole port; a pending downgrade of a
// sibling channel stays, it re-reads the port before lowering anyway.
func (box *SwitchBox) cancelPending(port Port, channel int) {
	box.pendingLock.Lock()
	defer box.pendingLock.Unlock()

	pd, found := box.pending[port]
	if !found {
		return
	}
	if channel != downgradeWholePort && pd.channel != downgradeWholePort && pd.channel != channel {
		return
	}
	close(pd.superseded)
	delete(box.pending, port)
}

func (box *SwitchBox) clearPending(port Port, pd *pendingDowngrade) {
	box.pendingLock.Lock()
	defer box.pendingLock.Unlock()

	if box.pending[port] == pd {
		delete(box.pending, port)
	}
}
