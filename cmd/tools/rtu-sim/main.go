// rtu-sim runs an in-process Modbus RTU slave simulator per serial bus
// named in a gateway config file, seeded from each device's register
// catalog, for manual end-to-end exercising of the PollingScheduler and
// RemoteWriteHandler without physical hardware.
package main

import (
	"log"
	"os"
	"time"

	"github.com/goburrow/serial"
	"github.com/womat/mbserver"

	"github.com/suriota/edge/internal/config"
)

func main() {
	configPath := os.Getenv("SIM_CONFIG_PATH")
	if configPath == "" {
		log.Fatal("SIM_CONFIG_PATH not set")
	}
	doc, err := config.LoadGatewayDocument(configPath)
	if err != nil {
		log.Fatalf("gateway config error: %v", err)
	}

	devicesByBus := make(map[string][]config.DeviceConfig)
	for _, d := range doc.Devices {
		if d.Protocol == config.RTU {
			devicesByBus[d.BusID] = append(devicesByBus[d.BusID], d)
		}
	}

	started := false
	for port, bus := range doc.Buses {
		busID := itoaPort(port)
		devices := devicesByBus[busID]
		if len(devices) == 0 {
			continue
		}
		started = true
		go runBusSimulator(busID, bus, devices)
	}
	if !started {
		log.Fatal("no RTU buses with devices found in config")
	}

	select {}
}

func itoaPort(port int) string {
	switch port {
	case 1:
		return "1"
	case 2:
		return "2"
	default:
		return ""
	}
}

func runBusSimulator(busID string, bus config.BusConfig, devices []config.DeviceConfig) {
	s := mbserver.NewServer()

	for _, d := range devices {
		id := d.SlaveID
		if id != 1 {
			if err := s.NewDevice(id); err != nil {
				log.Fatalf("NewDevice(%d): %v", id, err)
			}
		}
		seedDevice(s, id, d)
	}

	port, err := serial.Open(&serial.Config{
		Address:  bus.Device,
		BaudRate: bus.EffectiveBaud(),
		DataBits: bus.DataBits,
		StopBits: bus.StopBits,
		Parity:   bus.Parity,
		Timeout:  2 * time.Second,
	})
	if err != nil {
		log.Fatalf("serial open %s: %v", bus.Device, err)
	}
	defer port.Close()

	if err := s.ListenRTU(port); err != nil {
		log.Fatalf("listenRTU: %v", err)
	}
	log.Printf("RTU simulator ready on %s for bus %s (devices: %d)", bus.Device, busID, len(devices))
	for _, d := range devices {
		log.Printf("  - %s (slaveId: %d, registers: %d)", d.DeviceID, d.SlaveID, len(d.Registers))
	}
	for {
		time.Sleep(time.Second)
	}
}

// seedDevice writes a small nonzero pattern into every register this
// device declares, so a poll immediately returns plausible, distinguishable
// values instead of all-zero silence.
func seedDevice(s *mbserver.Server, id uint8, d config.DeviceConfig) {
	dev := s.Devices[id]
	for i, r := range d.Registers {
		switch r.FunctionCode {
		case config.Coil:
			if int(r.Address) < len(dev.Coils) {
				dev.Coils[r.Address] = byte(i % 2)
			}
		case config.Discrete:
			if int(r.Address) < len(dev.DiscreteInputs) {
				dev.DiscreteInputs[r.Address] = byte(i % 2)
			}
		case config.Holding:
			seedWords(dev.HoldingRegisters, r, i)
		case config.Input:
			seedWords(dev.InputRegisters, r, i)
		}
	}
}

func seedWords(bank []uint16, r config.RegisterConfig, i int) {
	wc := r.DataType.WordCount()
	if wc == 0 {
		wc = 1
	}
	for w := 0; w < wc; w++ {
		addr := int(r.Address) + w
		if addr < len(bank) {
			bank[addr] = uint16(10*(i+1) + w)
		}
	}
}
