package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/hubertat/boxkit"
	"github.com/hubertat/boxkit/drivers/switchbox"
)

var (
	Version string
	Build   string
)

func main() {
	var err error

	log.Println("boxkit started")
	log.Println("mock instance for testing purposes, no hardware required")

	syncDuration := 250 * time.Millisecond
	log.Println("syncDuration is ", syncDuration)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kit := &boxkit.BoxKit{Name: "boxkit mock"}

	kit.HkPin = "88008800"
	kit.HkDirectory = "./mock_homekit"

	kit.Boxes = append(kit.Boxes, &switchbox.SwitchBox{Name: "bench", Mock: true})
	kit.Valves = append(kit.Valves, &boxkit.SolenoidValve{
		Name:          "fake valve",
		Box:           "bench",
		Channel:       1,
		LowPowerAfter: "2s",
	})
	kit.Relays = append(kit.Relays, &boxkit.Relay{Name: "fake relay", Box: "bench", Channel: 9})
	kit.Sensors = append(kit.Sensors, &boxkit.AnalogSensor{Name: "fake pressure", Box: "bench", Channel: 1, Scale: 2, Unit: "bar"})

	log.Println("will setup boxkit...")
	err = kit.Setup(ctx)
	defer kit.Close()
	if err != nil {
		panic(err)
	}

	mio := kit.Boxes[0].MockIO()
	mio.Adc["ADC1"] = 1.25

	kit.PrintStatus(os.Stdout)

	log.Println("starting mock with HomeKit service")

	go kit.StartTicker(ctx, syncDuration)

	log.Fatal(kit.StartHomeKit(ctx, "mock: "+Version))
}
