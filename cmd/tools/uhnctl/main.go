package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  uhnctl push --gateway GATEWAY --device DEVICE --register REGISTER --value VALUE

Required flags for 'push':
  --gateway  (string)   Gateway topic segment, e.g. "gw1"
  --device   (string)   device_id of the target device
  --register (string)   register_id (becomes the write topic's topic_suffix)
  --value    (float)    Engineering value to write

Optional flags:
  --prefix   (string)   Topic prefix before "/write/..." (default: "suriota/{gateway}")
  --broker   (string)   MQTT broker address (default: tcp://localhost:1883)
  --timeout  (duration) How long to wait for a response on "{topic}/response" (default: 3s)

`)
	flag.PrintDefaults()
}

func main() {
	if len(os.Args) < 2 || os.Args[1] != "push" {
		fmt.Fprintf(os.Stderr, "Missing or unknown command (expected: push)\n")
		usage()
		os.Exit(2)
	}

	pushFlags := flag.NewFlagSet("push", flag.ExitOnError)
	gateway := pushFlags.String("gateway", "", "Gateway topic segment (required)")
	device := pushFlags.String("device", "", "device_id (required)")
	register := pushFlags.String("register", "", "register_id (required)")
	value := pushFlags.Float64("value", 0, "Engineering value to write (required)")
	prefix := pushFlags.String("prefix", "", `Topic prefix (default: "suriota/{gateway}")`)
	broker := pushFlags.String("broker", "tcp://localhost:1883", "MQTT broker address")
	timeout := pushFlags.Duration("timeout", 3*time.Second, "Response wait timeout")
	pushFlags.Usage = usage

	if err := pushFlags.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	missing := false
	if *gateway == "" {
		fmt.Fprintln(os.Stderr, "--gateway is required")
		missing = true
	}
	if *device == "" {
		fmt.Fprintln(os.Stderr, "--device is required")
		missing = true
	}
	if *register == "" {
		fmt.Fprintln(os.Stderr, "--register is required")
		missing = true
	}
	if missing {
		usage()
		os.Exit(2)
	}

	topicPrefix := *prefix
	if topicPrefix == "" {
		topicPrefix = "suriota/" + *gateway
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("uhnctl-%d", time.Now().UnixNano()))
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Fprintf(os.Stderr, "MQTT connect error: %v\n", token.Error())
		os.Exit(1)
	}
	defer client.Disconnect(250)

	writeTopic := fmt.Sprintf("%s/write/%s/%s", topicPrefix, *device, *register)
	respTopic := writeTopic + "/response"

	respCh := make(chan string, 1)
	if token := client.Subscribe(respTopic, 1, func(_ mqtt.Client, m mqtt.Message) {
		select {
		case respCh <- string(m.Payload()):
		default:
		}
	}); token.Wait() && token.Error() != nil {
		fmt.Fprintf(os.Stderr, "MQTT subscribe error: %v\n", token.Error())
		os.Exit(1)
	}

	payload := fmt.Sprintf("%v", *value)
	if token := client.Publish(writeTopic, 1, false, payload); token.Wait() && token.Error() != nil {
		fmt.Fprintf(os.Stderr, "MQTT publish error: %v\n", token.Error())
		os.Exit(1)
	}
	fmt.Printf("published %s = %v to %s\n", *register, *value, writeTopic)

	select {
	case resp := <-respCh:
		fmt.Printf("response: %s\n", resp)
	case <-time.After(*timeout):
		fmt.Fprintln(os.Stderr, "timed out waiting for response")
		os.Exit(1)
	}
}
