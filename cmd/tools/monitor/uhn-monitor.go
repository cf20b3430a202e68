// uhn-monitor subscribes to a broker topic filter and pretty-prints every
// message it receives, for eyeballing telemetry publishes and remote-write
// responses during manual testing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

func prettyPrint(payload []byte) string {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(payload)
	}
	return string(out)
}

func main() {
	var broker, topic string
	flag.StringVar(&broker, "broker", "tcp://localhost:1883", "MQTT broker address")
	flag.StringVar(&topic, "topic", "suriota/#", "MQTT topic filter")
	flag.Parse()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(fmt.Sprintf("uhn-monitor-%d", time.Now().UnixNano()))
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		fmt.Printf("%s %s\n", msg.Topic(), prettyPrint(msg.Payload()))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal(token.Error())
	}
	fmt.Printf("Connected to MQTT broker %s, subscribing to %s...\n", broker, topic)

	if token := client.Subscribe(topic, 0, nil); token.Wait() && token.Error() != nil {
		log.Fatal(token.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
	}()
	<-ctx.Done()
	client.Disconnect(200)
}
