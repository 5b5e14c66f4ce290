package boxkit

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	dnslog "github.com/brutella/dnssd/log"
	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	hklog "github.com/brutella/hap/log"
	"github.com/pkg/errors"

	"github.com/hubertat/boxkit/drivers/switchbox"
	"github.com/hubertat/boxkit/mqtt"
)

const defaultHomeKitDirectory = "./homekit"
const homeKitBridgeName = "boxkit"
const homeKitBridgeAuthor = "github.com/hubertat"

// BoxKit ties switch boxes and the devices wired to their channels into one
// deployable unit, filled from a JSON config file.
type BoxKit struct {
	Name string

	Boxes   []*switchbox.SwitchBox
	Valves  []*SolenoidValve
	Relays  []*Relay
	Sensors []*AnalogSensor

	HkPin       string
	HkDirectory string
	HkAddress   string
	HkDebug     bool

	MqttBroker string

	Server *Server
	Influx *InfluxRecorder

	registry   *switchbox.Registry
	mqttClient *mqtt.MqttClient
	ticker     *time.Ticker
}

// Device is anything living on a switch box channel.
type Device interface {
	Init(ctx context.Context, dir switchbox.Directory) error
	GetBoxName() string
	Sync() error
}

type HkThing interface {
	GetHk() *accessory.A
	GetUniqueId() uint64
	Sync() error
}

func (kit *BoxKit) getDevices() []Device {
	devices := []Device{}
	for _, valve := range kit.Valves {
		devices = append(devices, valve)
	}
	for _, relay := range kit.Relays {
		devices = append(devices, relay)
	}
	for _, sensor := range kit.Sensors {
		devices = append(devices, sensor)
	}

	return devices
}

func (kit *BoxKit) getHkThings() (things []HkThing) {
	for _, th := range kit.Valves {
		things = append(things, th)
	}
	for _, th := range kit.Relays {
		things = append(things, th)
	}

	return
}

// Directory resolves box names for devices and the HTTP surface.
func (kit *BoxKit) Directory() switchbox.Directory {
	return kit.registry
}

// Setup brings every box up first, then binds the devices to them through
// the registry.
func (kit *BoxKit) Setup(ctx context.Context) error {
	kit.registry = switchbox.NewRegistry()

	if len(kit.Boxes) == 0 {
		return errors.New("no switch boxes configured")
	}

	for _, box := range kit.Boxes {
		err := box.Setup(ctx, kit.registry)
		if err != nil {
			return errors.Wrapf(err, "failed to setup %s", box)
		}
	}

	for _, device := range kit.getDevices() {
		err := device.Init(ctx, kit.registry)
		if err != nil {
			return errors.Wrap(err, "failed to init device")
		}
	}

	if kit.Influx != nil {
		err := kit.Influx.Setup(kit.Sensors)
		if err != nil {
			return errors.Wrap(err, "failed to setup influx recorder")
		}
	}

	return nil
}

func (kit *BoxKit) GetHkAccessories(firmwareVersion string) (acc []*accessory.A) {
	acc = []*accessory.A{}

	for _, th := range kit.getHkThings() {
		accessory := th.GetHk()
		if accessory != nil {
			if accessory.Info != nil && accessory.Info.FirmwareRevision != nil {
				accessory.Info.FirmwareRevision.SetValue(firmwareVersion)
			}
			accessory.Id = th.GetUniqueId()
			acc = append(acc, accessory)
		}
	}

	return
}

// StartTicker syncs every device each interval until the context ends.
func (kit *BoxKit) StartTicker(ctx context.Context, interval time.Duration) {
	kit.ticker = time.NewTicker(interval)
	defer kit.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-kit.ticker.C:
			kit.syncDevices()
		}
	}
}

func (kit *BoxKit) syncDevices() {
	for _, device := range kit.getDevices() {
		err := device.Sync()
		if err != nil {
			log.Error("device sync failed", "box", device.GetBoxName(), "err", err)
		}
	}
}

func (kit *BoxKit) StartServer() error {
	if kit.Server == nil {
		return errors.New("http server not configured")
	}
	return kit.Server.Start(kit)
}

func (kit *BoxKit) StartRecorder(ctx context.Context) {
	if kit.Influx == nil {
		return
	}
	go kit.Influx.Start(ctx)
}

func (kit *BoxKit) Close() (err error) {
	if kit.ticker != nil {
		kit.ticker.Stop()
	}

	if kit.Server != nil {
		closeErr := kit.Server.Close()
		if closeErr != nil {
			err = closeErr
		}
	}

	for _, box := range kit.Boxes {
		closeErr := box.Close()
		if closeErr != nil {
			if err == nil {
				err = closeErr
			} else {
				err = errors.Wrap(err, closeErr.Error())
			}
		}
	}

	return
}

func (kit *BoxKit) PrintStatus(writer io.Writer) {
	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "=== active switch boxes ===")
	for _, box := range kit.Boxes {
		fmt.Fprintln(writer, "________")
		fmt.Fprintf(writer, "| %s\n", box)
		fmt.Fprintf(writer, "| device: %s\n", box.Device)
		fmt.Fprintf(writer, "| version: %s\n", box.Version())
		fmt.Fprintln(writer, "--------")
	}
	fmt.Fprintln(writer, "=== devices ===")
	for _, valve := range kit.Valves {
		fmt.Fprintf(writer, "| valve %s: box %s channel %d\n", valve.Name, valve.Box, valve.Channel)
	}
	for _, relay := range kit.Relays {
		fmt.Fprintf(writer, "| relay %s: box %s channel %d\n", relay.Name, relay.Box, relay.Channel)
	}
	for _, sensor := range kit.Sensors {
		fmt.Fprintf(writer, "| sensor %s: box %s adc %d\n", sensor.Name, sensor.Box, sensor.Channel)
	}
	fmt.Fprintln(writer, "-----------------------------")
	fmt.Fprintln(writer)
}

func (kit *BoxKit) StartHomeKit(ctx context.Context, firmwareVersion string) error {
	hkName := kit.Name
	if len(hkName) < 1 {
		hkName = homeKitBridgeName
	}
	bridge := accessory.NewBridge(accessory.Info{
		Name:         hkName,
		Manufacturer: homeKitBridgeAuthor,
		Firmware:     firmwareVersion,
	})

	var store hap.Store
	if len(kit.HkDirectory) > 1 {
		store = hap.NewFsStore(kit.HkDirectory)
	} else {
		store = hap.NewFsStore(defaultHomeKitDirectory)
	}
	hkServer, err := hap.NewServer(store, bridge.A, kit.GetHkAccessories(firmwareVersion)...)
	if err != nil {
		return errors.Wrap(err, "failed to create HomeKit server")
	}
	hkServer.Pin = kit.HkPin
	if len(kit.HkAddress) > 0 {
		hkServer.Addr = kit.HkAddress
	}

	if kit.HkDebug {
		hklog.Debug.Enable()
		dnslog.Debug.Enable()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	signal.Notify(c, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-c
		// Stop delivering signals.
		signal.Stop(c)
		// Cancel the context to stop the server.
		cancel()
	}()

	return hkServer.ListenAndServe(ctx)
}

func (kit *BoxKit) InitMqtt() (err error) {
	if len(kit.MqttBroker) == 0 {
		err = errors.New("mqtt broker not set")
		return
	}

	mc, err := mqtt.NewMqttClient(kit.MqttBroker, kit.Name)
	if err != nil {
		err = errors.Wrap(err, "failed to create mqtt client")
		return
	}

	kit.mqttClient = mc

	mqttHandlers := []mqtt.MqttHandler{}
	for _, valve := range kit.Valves {
		mqttHandlers = append(mqttHandlers, valve.SetMqtt(mc)...)
	}

	err = mc.Connect(mqttHandlers)
	if err != nil {
		err = errors.Wrap(err, "failed to connect to mqtt broker")
	}

	return
}
