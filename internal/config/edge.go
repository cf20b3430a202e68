package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/suriota/edge/internal/logging"
)

// GatewayDocument is the full on-disk/over-BLE configuration document.
// BLE CRUD (out of core scope) is the only writer; the core only reads it.
type GatewayDocument struct {
	GatewayID string                  `json:"gatewayId"`
	Buses     map[int]BusConfig       `json:"buses"` // keyed by serial port (1|2)
	Devices   map[string]DeviceConfig `json:"devices"`
	Server    ServerConfig            `json:"server"`
}

// LoadGatewayDocument loads and strictly validates a configuration document
// from disk, following the teacher's strip-comments-then-decode-with-
// DisallowUnknownFields pattern (internal/config/config-edge.go).
func LoadGatewayDocument(path string) (*GatewayDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return decodeGatewayDocument(raw)
}

// LoadGatewayDocumentFromReader is the io.Reader variant of LoadGatewayDocument.
func LoadGatewayDocumentFromReader(r io.Reader) (*GatewayDocument, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return decodeGatewayDocument(raw)
}

func decodeGatewayDocument(raw []byte) (*GatewayDocument, error) {
	clean := stripJSONComments(raw)
	dec := json.NewDecoder(strings.NewReader(string(clean)))
	dec.DisallowUnknownFields()

	var doc GatewayDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	doc.PruneInvalidRegisters()
	return &doc, nil
}

var (
	lineComments  = regexp.MustCompile(`(?m)//[^\n\r]*`)
	blockComments = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

func stripJSONComments(in []byte) []byte {
	text := string(in)
	text = blockComments.ReplaceAllString(text, "")
	text = lineComments.ReplaceAllString(text, "")
	return []byte(text)
}

// multiErr accumulates validation problems instead of failing on the first.
type multiErr []string

func (m *multiErr) add(s string)            { *m = append(*m, s) }
func (m *multiErr) addf(f string, a ...any) { *m = append(*m, fmt.Sprintf(f, a...)) }
func (m multiErr) Error() string            { return "validation errors: " + strings.Join(m, "; ") }

// Validate checks the invariants spec.md §3 states across DeviceConfig,
// RegisterConfig, and ServerConfig.
func (doc *GatewayDocument) Validate() error {
	var errs multiErr

	if strings.TrimSpace(doc.GatewayID) == "" {
		errs.add("gatewayId is required")
	}

	for port := range doc.Buses {
		if port != 1 && port != 2 {
			errs.addf("buses[%d]: serial port key must be 1 or 2", port)
		}
		// An invalid baudRate is spec.md §7 Error Category 3: logged and
		// coerced, not fatal. BusConfig.EffectiveBaud() applies the 9600
		// fallback at connect time; see PruneInvalidRegisters for the warning.
	}

	seenIDs := map[string]bool{}
	for id, d := range doc.Devices {
		if d.DeviceID != "" && d.DeviceID != id {
			errs.addf("devices[%s]: deviceId field %q does not match map key", id, d.DeviceID)
		}
		if seenIDs[id] {
			errs.addf("devices[%s]: duplicate device_id", id)
		}
		seenIDs[id] = true

		switch d.Protocol {
		case RTU:
			if d.BusID != "1" && d.BusID != "2" {
				errs.addf("devices[%s]: rtu device must set busId to 1 or 2", id)
			}
		case TCP:
			if strings.TrimSpace(d.IPAddress) == "" {
				errs.addf("devices[%s]: tcp device requires ipAddress", id)
			}
		default:
			errs.addf("devices[%s]: protocol must be RTU or TCP", id)
		}
		if d.SlaveID == 0 || d.SlaveID > 247 {
			errs.addf("devices[%s]: slaveId must be 1..247", id)
		}

		seenRegIDs := map[string]bool{}
		for i, r := range d.Registers {
			if seenRegIDs[r.RegisterID] {
				errs.addf("devices[%s].registers[%d]: duplicate register_id %q", id, i, r.RegisterID)
			}
			seenRegIDs[r.RegisterID] = true
		}
		// Unknown dataType, address-range overflow, and out-of-range decimals
		// are spec.md §7 Error Category 3: logged, the offending register
		// skipped (decimals instead clamped), the rest of the document loads
		// normally. See PruneInvalidRegisters.
	}

	if doc.Server.Protocol != ServerMQTT && doc.Server.Protocol != ServerHTTP {
		errs.add("server.protocol must be MQTT or HTTP")
	}
	for _, unit := range []IntervalUnit{doc.Server.MQTT.IntervalUnit, doc.Server.HTTP.IntervalUnit} {
		if unit != "" && unit != UnitMs && unit != UnitS && unit != UnitM {
			errs.addf("server: intervalUnit %q must be ms, s, or m", unit)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// PruneInvalidRegisters applies spec.md §7 Error Category 3: a register
// with an unknown dataType or an address range that overflows 65535 is
// logged and dropped, rather than failing the whole document the way a
// structural error in Validate does. Out-of-range decimals are clamped in
// place instead of dropped, matching the documented boundary behavior
// ("decimals = 10 is clamped to 6", spec.md §8). The scheduler never sees
// the pruned registers and continues polling everything else. A bus with a
// set but unsupported baudRate is only logged here; the 9600 fallback itself
// is applied by BusConfig.EffectiveBaud.
func (doc *GatewayDocument) PruneInvalidRegisters() {
	for port, b := range doc.Buses {
		if b.BaudRate != 0 && !IsValidBaud(b.BaudRate) {
			logging.Warn("config: invalid baudRate, falling back to 9600",
				"bus", port, "baudRate", b.BaudRate)
		}
	}
	for id, d := range doc.Devices {
		kept := d.Registers[:0]
		for i, r := range d.Registers {
			if r.DataType.WordCount() == 0 {
				logging.Warn("config: skipping register with unknown dataType",
					"device", id, "register", r.RegisterID, "index", i, "dataType", r.DataType)
				continue
			}
			if r.EndAddress() > 65535 {
				logging.Warn("config: skipping register with address range overflow",
					"device", id, "register", r.RegisterID, "index", i,
					"address", r.Address, "endAddress", r.EndAddress())
				continue
			}
			if clamped := ClampDecimals(r.Decimals); clamped != r.Decimals {
				logging.Warn("config: clamping out-of-range decimals",
					"device", id, "register", r.RegisterID, "index", i,
					"decimals", r.Decimals, "clamped", clamped)
				r.Decimals = clamped
			}
			kept = append(kept, r)
		}
		d.Registers = kept
		doc.Devices[id] = d
	}
}
