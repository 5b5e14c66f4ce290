package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"
	"github.com/hubertat/boxkit/mqtt"
)

const clientID = "boxkit-mqtt-test"

type watcher struct {
	topic string
}

func (wt *watcher) MqttSubscribeTopic() string {
	return wt.topic
}

func (wt *watcher) MqttHandle(pub *paho.Publish) {
	log.Info("received mqtt message", "topic", pub.Topic, "payload", string(pub.Payload))
}

func main() {
	broker := flag.String("broker", "mqtt://localhost:1883", "mqtt broker url")
	valve := flag.String("valve", "", "valve topic slug to watch")
	command := flag.String("command", "", "valve command to publish (open or close)")
	watch := flag.Duration("watch", 10*time.Minute, "how long to keep watching")
	flag.Parse()

	log.SetLevel(log.DebugLevel)

	if len(*valve) == 0 {
		fmt.Println("usage: mqtttest -valve <slug> [-command open|close]")
		os.Exit(1)
	}

	mc, err := mqtt.NewMqttClient(*broker, clientID)
	if err != nil {
		log.Error("failed to create mqtt client", "error", err)
		return
	}

	stateTopic := fmt.Sprintf("boxkit/valve/%s", *valve)
	handlers := []mqtt.MqttHandler{
		&watcher{topic: stateTopic},
	}

	err = mc.Connect(handlers)
	if err != nil {
		log.Error("failed to connect to mqtt broker", "error", err)
		return
	}
	log.Info("mqtt client connected", "broker", *broker)

	if len(*command) > 0 {
		err = mc.Publish(stateTopic+"/set", []byte(*command))
		if err != nil {
			log.Error("failed to publish command", "error", err)
			return
		}
		log.Info("command published", "topic", stateTopic+"/set", "command", *command)
	}

	log.Info("watching valve state", "topic", stateTopic, "for", *watch)
	time.Sleep(*watch)
}
