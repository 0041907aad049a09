package config

import (
	_ "embed"
	"errors"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Defaults for operational configuration.
// These can be overridden by placing a non-empty value in the corresponding .text file.
const (
	DefaultTelemetryInterval = 5 * time.Minute
	DefaultControlTick       = 200 * time.Millisecond
	DefaultReportInterval    = 10 * time.Second
	DefaultUpdateTimeout     = 30 * time.Second
	DefaultTopicRoot         = "dimmer"
)

// Environment-specific configuration (must be provided via embedded text files).
var (
	//go:embed ota_url.text
	otaURL string

	//go:embed broker.text
	broker string

	//go:embed clientid.text
	clientID string

	//go:embed broker_ca.pem
	brokerCA []byte
)

// Optional overrides for defaults (empty file = use default).
var (
	//go:embed telemetry_interval.text
	telemetryIntervalOverride string

	//go:embed report_interval.text
	reportIntervalOverride string

	//go:embed update_on_boot.text
	updateOnBootOverride string
)

var ErrBadBroker = errors.New("config: bad broker address")

// OTAURL returns the firmware image URL from ota_url.text.
// Format: "http://192.168.1.100:8080/firmware/dimmer.bin"
func OTAURL() string {
	return strings.TrimSpace(otaURL)
}

// ClientID returns the MQTT client ID from clientid.text.
func ClientID() string {
	return strings.TrimSpace(clientID)
}

// BrokerCA returns the PEM trust anchor for mqtts brokers. Empty means none.
func BrokerCA() []byte {
	return brokerCA
}

// Broker is a parsed broker endpoint.
type Broker struct {
	Host string
	Port uint16
	TLS  bool
}

// Address returns host:port.
func (b Broker) Address() string {
	return joinHostPort(b.Host, b.Port)
}

func joinHostPort(host string, port uint16) string {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(int(port))
}

// AddrPort returns the endpoint as an IP address and port. The device
// stack has no resolver, so Host must be an IP literal.
func (b Broker) AddrPort() (netip.AddrPort, error) {
	ip, err := netip.ParseAddr(b.Host)
	if err != nil {
		return netip.AddrPort{}, ErrBadBroker
	}
	return netip.AddrPortFrom(ip, b.Port), nil
}

// BrokerEndpoint returns the broker from broker.text.
func BrokerEndpoint() (Broker, error) {
	return ParseBroker(broker)
}

// ParseBroker accepts "host:port", "mqtt://host[:port]" and
// "mqtts://host[:port]". Ports default to 1883 and 8883.
func ParseBroker(s string) (Broker, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Broker{}, ErrBadBroker
	}
	if !strings.Contains(s, "://") {
		s = "mqtt://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return Broker{}, ErrBadBroker
	}
	b := Broker{Host: u.Hostname()}
	switch u.Scheme {
	case "mqtt", "tcp":
		b.Port = 1883
	case "mqtts", "ssl", "tls":
		b.Port = 8883
		b.TLS = true
	default:
		return Broker{}, ErrBadBroker
	}
	if b.Host == "" {
		return Broker{}, ErrBadBroker
	}
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n == 0 {
			return Broker{}, ErrBadBroker
		}
		b.Port = uint16(n)
	}
	return b, nil
}

// TelemetryInterval returns how often status is published.
// Returns DefaultTelemetryInterval unless overridden via telemetry_interval.text.
func TelemetryInterval() time.Duration {
	return durationOr(telemetryIntervalOverride, DefaultTelemetryInterval)
}

// ReportInterval returns how often the actuator loop logs its reading.
// Returns DefaultReportInterval unless overridden via report_interval.text.
func ReportInterval() time.Duration {
	return durationOr(reportIntervalOverride, DefaultReportInterval)
}

// UpdateOnBoot reports whether an update attempt runs at startup.
// Defaults to true; "false", "0" or "no" in update_on_boot.text disable it.
func UpdateOnBoot() bool {
	return boolOr(updateOnBootOverride, true)
}

func durationOr(override string, def time.Duration) time.Duration {
	if s := strings.TrimSpace(override); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func boolOr(override string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(override)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return def
}

// Topics are the MQTT topics a device uses.
type Topics struct {
	Status  string // retained status document
	Logs    string
	Events  string // update results
	Command string
}

// TopicsFor returns the topics under root/clientID.
func TopicsFor(root, clientID string) Topics {
	if root == "" {
		root = DefaultTopicRoot
	}
	base := root + "/" + clientID + "/"
	return Topics{
		Status:  base + "status",
		Logs:    base + "logs",
		Events:  base + "events",
		Command: base + "cmd",
	}
}
