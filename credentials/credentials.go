package credentials

import (
	_ "embed"
	"strings"
)

var (
	//go:embed ssid.text
	ssid string
	//go:embed password.text
	pass string
	//go:embed console_password.text
	consolePass string
	//go:embed ota_username.text
	otaUser string
	//go:embed ota_password.text
	otaPass string
	//go:embed mqtt_username.text
	mqttUser string
	//go:embed mqtt_password.text
	mqttPass string
)

// SSID returns the contents of ssid.text.
// If your program is failing to compile it is because you need to create
// ssid.text and password.text in this package's directory.
//
// Deprecated: Marked as deprecated so IDE warns users against its use. Your wifi password should be defined outside of this repo for security reasons!
func SSID() string {
	return strings.TrimSpace(ssid)
}

// Password returns the contents of password.text.
//
// Deprecated: Marked as deprecated so IDE warns users against its use. Your wifi password should be defined outside of this repo for security reasons!
func Password() string {
	return strings.TrimSpace(pass)
}

// ConsolePassword returns the contents of console_password.text.
// Used for debug console authentication.
func ConsolePassword() string {
	return strings.TrimSpace(consolePass)
}

// OTA returns the basic auth credentials for the firmware server.
// An empty user disables authentication.
func OTA() (user, password string) {
	return strings.TrimSpace(otaUser), strings.TrimSpace(otaPass)
}

// MQTT returns the broker credentials. An empty user connects anonymously.
func MQTT() (user, password string) {
	return strings.TrimSpace(mqttUser), strings.TrimSpace(mqttPass)
}
