package token

import (
	"os"
	"strings"
)

// hardwareSerialSources are probed in order for a stable host identity.
// DMI product serial needs root on most distros; machine-id is the
// reliable fallback, hostname the last resort.
var hardwareSerialSources = []string{
	"/sys/class/dmi/id/product_serial",
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// ReadHardwareSerial resolves the hardware serial identity of this host.
// Token minting refuses to proceed when no identity source is readable.
func ReadHardwareSerial() (string, error) {
	for _, path := range hardwareSerialSources {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		serial := strings.TrimSpace(string(raw))
		if serial != "" && serial != "None" {
			return serial, nil
		}
	}
	host, err := os.Hostname()
	if err != nil {
		return "", err
	}
	return "host:" + host, nil
}
