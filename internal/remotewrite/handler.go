// Package remotewrite implements RemoteWriteHandler (spec.md §4.10):
// inbound single-shot Modbus writes triggered by MQTT subscribe messages,
// validated against the register catalog, reverse-calibrated, and applied
// through internal/bus with a bounded wait against the polling scheduler's
// own per-bus serialization. The command-dispatch shape (resolve device,
// switch on action, publish a response/error) follows the teacher's
// poller.handleCommand (internal/poller/command.go).
package remotewrite

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/suriota/edge/internal/bus"
	"github.com/suriota/edge/internal/config"
	"github.com/suriota/edge/internal/decode"
	"github.com/suriota/edge/internal/logging"
)

// ErrorCode is one of the closed set of codes named in spec.md §4.10. The
// numbering is part of the external contract and must not be renumbered.
type ErrorCode int

const (
	ErrMutexTimeout       ErrorCode = 315
	ErrTransportFailed    ErrorCode = 302
	ErrDecodeFailed       ErrorCode = 303
	ErrNotFound           ErrorCode = 316
	ErrUnsupportedFC      ErrorCode = 317
	ErrNotWritable        ErrorCode = 318
	ErrBelowMin           ErrorCode = 319
	ErrAboveMax           ErrorCode = 320
	ErrInvalidPayload     ErrorCode = 321
	ErrException01        ErrorCode = 331
	ErrException02        ErrorCode = 332
	ErrException03        ErrorCode = 333
	ErrException04        ErrorCode = 334
)

// mutexWaitTimeout bounds how long a remote write waits to acquire the bus
// lock the polling scheduler also contends for, per spec.md §4.10.
const mutexWaitTimeout = 2 * time.Second

// Handler is the RemoteWriteHandler.
type Handler struct {
	store  config.ConfigStore
	driver *bus.Driver
	client mqtt.Client

	topicPrefix     string
	responseEnabled bool
	qos             byte
}

// New builds a RemoteWriteHandler wired to its collaborators. client is an
// already-connected MQTT client (shared with, or a sibling of,
// internal/mqttpublish's connection) used both to subscribe to write
// topics and to publish responses.
func New(store config.ConfigStore, driver *bus.Driver, client mqtt.Client) *Handler {
	ctrl := store.ServerConfig().SubscribeControl
	return &Handler{
		store:           store,
		driver:          driver,
		client:          client,
		topicPrefix:     ctrl.TopicPrefix,
		responseEnabled: ctrl.ResponseEnabled,
		qos:             ctrl.DefaultQoS,
	}
}

// Start makes one subscription to the {prefix}/write/+/+ wildcard, which
// covers every device; the target device and register are looked up in the
// ConfigStore per message, so devices added later need no resubscribe. The
// gateway wiring calls Start again only when a new MQTT connection appears.
func (h *Handler) Start(ctx context.Context) error {
	if !h.store.ServerConfig().SubscribeControl.Enabled {
		return nil
	}
	topic := fmt.Sprintf("%s/write/+/+", h.topicPrefix)
	token := h.client.Subscribe(topic, h.qos, h.onMessage)
	token.Wait()
	return token.Error()
}

// onMessage is the paho message callback: parse the topic, resolve the
// target register, and dispatch the write.
func (h *Handler) onMessage(_ mqtt.Client, msg mqtt.Message) {
	ctx := context.Background()
	deviceID, registerSuffix, ok := parseWriteTopic(h.topicPrefix, msg.Topic())
	if !ok {
		logging.Warn("remotewrite: unrecognized write topic", "topic", msg.Topic())
		return
	}
	h.handleWrite(ctx, msg.Topic(), deviceID, registerSuffix, msg.Payload())
}

// parseWriteTopic extracts device_id and the register topic suffix from
// "{prefix}/write/{device_id}/{topic_suffix}".
func parseWriteTopic(prefix, topic string) (deviceID, suffix string, ok bool) {
	want := prefix + "/write/"
	if !strings.HasPrefix(topic, want) {
		return "", "", false
	}
	rest := strings.TrimPrefix(topic, want)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// writePayload is the structured form of an inbound write message; a bare
// numeric literal is also accepted (spec.md §4.10).
type writePayload struct {
	Value float64 `json:"value"`
	UUID  string  `json:"uuid,omitempty"`
}

func parsePayload(raw []byte) (value float64, uuid string, err error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return 0, "", fmt.Errorf("empty payload")
	}
	if trimmed[0] == '{' {
		var p writePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return 0, "", err
		}
		return p.Value, p.UUID, nil
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, "", err
	}
	return v, "", nil
}

func (h *Handler) handleWrite(ctx context.Context, topic, deviceID, registerSuffix string, payload []byte) {
	start := time.Now()

	d, ok := h.store.ReadDevice(deviceID)
	if !ok {
		h.publishError(ctx, topic, ErrNotFound)
		return
	}
	reg, ok := findRegisterBySuffix(d, registerSuffix)
	if !ok {
		h.publishError(ctx, topic, ErrNotFound)
		return
	}
	if !reg.Writable {
		h.publishError(ctx, topic, ErrNotWritable)
		return
	}
	if reg.FunctionCode != config.Coil && reg.FunctionCode != config.Holding {
		h.publishError(ctx, topic, ErrUnsupportedFC)
		return
	}

	value, _, err := parsePayload(payload)
	if err != nil {
		logging.Warn("remotewrite: invalid payload", "topic", topic, "error", err)
		h.publishError(ctx, topic, ErrInvalidPayload)
		return
	}

	if reg.MinValue != nil && value < *reg.MinValue {
		h.publishErrorDetail(ctx, topic, ErrBelowMin, map[string]any{
			"min_value":      *reg.MinValue,
			"provided_value": value,
		})
		return
	}
	if reg.MaxValue != nil && value > *reg.MaxValue {
		h.publishErrorDetail(ctx, topic, ErrAboveMax, map[string]any{
			"max_value":      *reg.MaxValue,
			"provided_value": value,
		})
		return
	}

	raw := decode.ReverseCalibrate(value, reg.Scale, reg.Offset)

	words, err := decode.Encode(reg.DataType, reg.Endianness, raw)
	if err != nil || len(words) != 1 {
		logging.Warn("remotewrite: register not single-word writable", "device", deviceID, "register", reg.RegisterID, "error", err)
		h.publishError(ctx, topic, ErrUnsupportedFC)
		return
	}
	word := words[0]

	busErr, timedOut := h.writeWithTimeout(ctx, d, reg, word)
	if timedOut {
		h.publishError(ctx, topic, ErrMutexTimeout)
		return
	}
	if busErr != nil {
		h.publishBusError(ctx, topic, busErr)
		return
	}

	h.publishSuccess(ctx, topic, value, raw, time.Since(start))
}

func findRegisterBySuffix(d config.DeviceConfig, suffix string) (config.RegisterConfig, bool) {
	for _, r := range d.Registers {
		if r.RegisterID == suffix {
			return r, true
		}
	}
	return config.RegisterConfig{}, false
}

func targetFor(d config.DeviceConfig) bus.Target {
	if d.Protocol == config.TCP {
		return bus.Target{TCPEndpoint: d.Endpoint(), TCPTimeout: d.Timeout()}
	}
	return bus.Target{RTUPort: d.BusPort(), RTUTimeout: d.Timeout()}
}

// writeWithTimeout dispatches the Modbus write on a goroutine and bounds
// the wait for the bus's internal mutex (shared with the scheduler's own
// polling) to mutexWaitTimeout. The underlying sync.Mutex has no
// interruptible wait, so a timed-out goroutine is left to finish in the
// background; its result is discarded.
func (h *Handler) writeWithTimeout(ctx context.Context, d config.DeviceConfig, reg config.RegisterConfig, value uint16) (*bus.Error, bool) {
	result := make(chan *bus.Error, 1)
	go func() {
		result <- h.driver.WriteSingle(ctx, targetFor(d), d.SlaveID, reg.FunctionCode, reg.Address, value)
	}()

	select {
	case err := <-result:
		return err, false
	case <-time.After(mutexWaitTimeout):
		return nil, true
	}
}

func (h *Handler) publishSuccess(ctx context.Context, topic string, value, raw float64, elapsed time.Duration) {
	h.publishResponse(ctx, topic, successBody(value, raw, elapsed))
}

// successBody is the exact shape from spec.md §8 S5.
func successBody(value, raw float64, elapsed time.Duration) map[string]any {
	return map[string]any{
		"status":           "ok",
		"value_written":    value,
		"raw_value":        raw,
		"response_time_ms": elapsed.Milliseconds(),
	}
}

func (h *Handler) publishBusError(ctx context.Context, topic string, err *bus.Error) {
	h.publishError(ctx, topic, busErrorCode(err))
}

// busErrorCode maps a BusDriver failure onto the closed error-code space
// from spec.md §4.10: Modbus exceptions 01-04 get their own dedicated
// codes, everything else is a generic transport failure.
func busErrorCode(err *bus.Error) ErrorCode {
	if err.Kind != bus.Exception {
		return ErrTransportFailed
	}
	switch err.ExceptionCode {
	case 1:
		return ErrException01
	case 2:
		return ErrException02
	case 3:
		return ErrException03
	case 4:
		return ErrException04
	default:
		return ErrTransportFailed
	}
}

// errorMessage gives each code in the external error-code contract a
// human-readable string for the "error" field (spec.md §8 S6).
func errorMessage(code ErrorCode) string {
	switch code {
	case ErrMutexTimeout:
		return "Timed out waiting for bus access"
	case ErrTransportFailed:
		return "Transport failure"
	case ErrDecodeFailed:
		return "Failed to decode value"
	case ErrNotFound:
		return "Register not found"
	case ErrUnsupportedFC:
		return "Unsupported function code"
	case ErrNotWritable:
		return "Register is not writable"
	case ErrBelowMin:
		return "Value below minimum"
	case ErrAboveMax:
		return "Value above maximum"
	case ErrInvalidPayload:
		return "Invalid payload"
	case ErrException01:
		return "Modbus exception: illegal function"
	case ErrException02:
		return "Modbus exception: illegal data address"
	case ErrException03:
		return "Modbus exception: illegal data value"
	case ErrException04:
		return "Modbus exception: slave device failure"
	default:
		return "Unknown error"
	}
}

func (h *Handler) publishError(ctx context.Context, topic string, code ErrorCode) {
	h.publishErrorDetail(ctx, topic, code, nil)
}

// publishErrorDetail emits the {"status":"error","error":...,"error_code":...}
// shape from spec.md §8 S6, merging in any extra context fields (e.g.
// bound-violation min/max/provided values).
func (h *Handler) publishErrorDetail(ctx context.Context, topic string, code ErrorCode, extra map[string]any) {
	h.publishResponse(ctx, topic, errorBody(code, extra))
}

func errorBody(code ErrorCode, extra map[string]any) map[string]any {
	body := map[string]any{
		"status":     "error",
		"error":      errorMessage(code),
		"error_code": int(code),
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

func (h *Handler) publishResponse(ctx context.Context, topic string, body map[string]any) {
	if !h.responseEnabled {
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		logging.Error("remotewrite: marshal response failed", "error", err)
		return
	}
	respTopic := topic + "/response"
	token := h.client.Publish(respTopic, h.qos, false, data)
	if ok := token.WaitTimeout(5 * time.Second); !ok {
		logging.Warn("remotewrite: response publish timed out", "topic", respTopic)
		return
	}
	if err := token.Error(); err != nil {
		logging.Warn("remotewrite: response publish failed", "topic", respTopic, "error", err)
	}
}
