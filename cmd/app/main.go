package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/hubertat/servicemaker"

	"github.com/hubertat/boxkit"
)

const defaultSyncInterval = "2s"

var (
	Version string
	Build   string

	config       = flag.String("config", "config.json", "path of the configuration file")
	flagInstall  = flag.Bool("install", false, "Install service in os")
	flagDebug    = flag.Bool("debug", false, "debug logging")
	syncInterval = flag.String("sync", defaultSyncInterval, "sync interval (time.Duration)")

	boxkitService = servicemaker.ServiceMaker{
		User:               "boxkit",
		UserGroups:         []string{"dialout"},
		ServicePath:        "/etc/systemd/system/boxkit.service",
		ServiceDescription: "boxkit service: HomeKit enabled switch box valve/relay/sensor controller. github.com/hubertat/boxkit",
		ExecDir:            "/srv/boxkit",
		ExecName:           "boxkit",
	}
)

func main() {
	log.Printf("boxkit %s started\n", Version)
	flag.Parse()

	if *flagDebug {
		charmlog.SetLevel(charmlog.DebugLevel)
	}

	if *flagInstall {
		err := boxkitService.InstallService()
		if err != nil {
			panic(err)
		} else {
			log.Println("service installed!")
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncDuration, err := time.ParseDuration(*syncInterval)
	if err != nil {
		panic(err)
	}

	kit := &boxkit.BoxKit{}
	configFile, err := os.Open(*config)
	if err == nil {
		cBuff, err := io.ReadAll(configFile)
		if err != nil {
			log.Fatalf("failed reading config file: %v\n", err)
		}

		err = json.Unmarshal(cBuff, kit)
		if err != nil {
			log.Fatalf("failed unmarshalling json config: %v", err)
		}
	} else {
		log.Fatalf("can't find/open config file (%s), will terminate. Reason: \n%v\n", *config, err)
	}

	log.Println("will setup boxkit...")
	err = kit.Setup(ctx)
	defer kit.Close()
	if err != nil {
		panic(err)
	}

	kit.PrintStatus(os.Stdout)

	if len(kit.MqttBroker) > 0 {
		err = kit.InitMqtt()
		if err != nil {
			log.Printf("mqtt init returned error: %v\n we will proceed...", err)
		} else {
			log.Println("mqtt OK!")
		}
	}

	if kit.Server != nil {
		err = kit.StartServer()
		if err != nil {
			panic(err)
		}
	}

	kit.StartRecorder(ctx)

	if len(kit.HkPin) == 8 {
		log.Println("Starting with HomeKit server")

		go kit.StartTicker(ctx, syncDuration)
		log.Fatal(kit.StartHomeKit(ctx, Version))
	} else {
		log.Println("HomeKit not configured, disabled")
		kit.StartTicker(ctx, syncDuration)
	}

}
