package config

// ServerProtocol selects which publisher the gateway activates.
type ServerProtocol string

const (
	ServerMQTT ServerProtocol = "MQTT"
	ServerHTTP ServerProtocol = "HTTP"
)

// CommunicationMode is consumed by the (out-of-scope) network layer only.
type CommunicationMode string

const (
	CommEth  CommunicationMode = "ETH"
	CommWifi CommunicationMode = "WIFI"
)

// PublishMode selects whether MQTT publishes one default topic or a set of
// per-topic register subsets.
type PublishMode string

const (
	PublishDefault   PublishMode = "DEFAULT"
	PublishCustomize PublishMode = "CUSTOMIZE"
)

// CustomTopic is one entry of ServerConfig.MQTT.CustomTopics.
type CustomTopic struct {
	Topic        string       `json:"topic"`
	Interval     int          `json:"interval"`
	IntervalUnit IntervalUnit `json:"intervalUnit"`
	Registers    []string     `json:"registers"` // register_id list
}

// IntervalMillis normalizes this topic's interval to milliseconds.
func (c CustomTopic) IntervalMillis() int64 {
	return c.IntervalUnit.Millis(c.Interval)
}

// MQTTConfig is the MQTT half of ServerConfig.
type MQTTConfig struct {
	BrokerAddress string        `json:"brokerAddress"`
	BrokerPort    int           `json:"brokerPort"`
	ClientID      string        `json:"clientId"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	KeepAliveS    int           `json:"keepAliveS"`
	PublishMode   PublishMode   `json:"publishMode"`
	Topic         string        `json:"topic"`         // default mode
	Interval      int           `json:"interval"`       // default mode
	IntervalUnit  IntervalUnit  `json:"intervalUnit"`    // default mode
	CustomTopics  []CustomTopic `json:"customTopics,omitempty"`
}

// IntervalMillis normalizes the default-mode interval to milliseconds.
func (m MQTTConfig) IntervalMillis() int64 {
	return m.IntervalUnit.Millis(m.Interval)
}

// EffectiveKeepAlive defaults KeepAliveS to 120s per spec.md §3.
func (m MQTTConfig) EffectiveKeepAlive() int {
	if m.KeepAliveS <= 0 {
		return 120
	}
	return m.KeepAliveS
}

// HTTPConfig is the HTTP half of ServerConfig.
type HTTPConfig struct {
	EndpointURL  string            `json:"endpointUrl"`
	Method       string            `json:"method"`
	TimeoutMs    int               `json:"timeoutMs"`
	Retry        int               `json:"retry"`
	Interval     int               `json:"interval"`
	IntervalUnit IntervalUnit      `json:"intervalUnit"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// IntervalMillis normalizes the HTTP publish interval to milliseconds.
func (h HTTPConfig) IntervalMillis() int64 {
	return h.IntervalUnit.Millis(h.Interval)
}

// EffectiveMethod defaults Method to POST per spec.md §4.8.
func (h HTTPConfig) EffectiveMethod() string {
	if h.Method == "" {
		return "POST"
	}
	return h.Method
}

// SubscribeControl governs the remote-write subscriber surface.
type SubscribeControl struct {
	Enabled         bool   `json:"enabled"`
	TopicPrefix     string `json:"topicPrefix"`
	ResponseEnabled bool   `json:"responseEnabled"`
	DefaultQoS      byte   `json:"defaultQos"`
}

// ServerConfig is the upstream-facing half of the gateway configuration.
type ServerConfig struct {
	Protocol             ServerProtocol    `json:"protocol"`
	CommunicationMode    CommunicationMode `json:"communicationMode"`
	MQTT                 MQTTConfig        `json:"mqtt"`
	HTTP                 HTTPConfig        `json:"http"`
	SubscribeControl     SubscribeControl  `json:"subscribeControl"`
	// DataTransmissionIntervalMs is parsed for configuration round-trip
	// fidelity only; per spec.md §9 Open Questions it is not read by any
	// scheduler or publisher code path.
	DataTransmissionIntervalMs int `json:"dataTransmissionIntervalMs,omitempty"`
}
