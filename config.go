package hidiod

import (
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
)

// DefaultConfigFileName is looked for in the working directory when no
// --config flag is given.
const DefaultConfigFileName = "hidiod.yml"

// USBMatch selects a USB device for the hidusb watcher.  A zero Vendor or
// Product matches anything, so the zero value claims every device exposing a
// HID-IO vendor usage page interface.
type USBMatch struct {
	// Vendor is the USB vendor id, e.g. 0x308f
	Vendor uint16 `koanf:"vendor" yaml:"vendor"`

	// Product is the USB product id
	Product uint16 `koanf:"product" yaml:"product"`
}

// UARTSetup describes one serial-attached HID-IO endpoint.
type UARTSetup struct {
	// Port is the device node, e.g. /dev/ttyACM0
	Port string `koanf:"port" yaml:"port"`

	// Baud is the line rate; 115200 when zero
	Baud int `koanf:"baud" yaml:"baud"`
}

// APIConfig configures the TLS RPC listener.
type APIConfig struct {
	// Addr is the listen address for the TLS RPC surface
	Addr string `koanf:"addr" yaml:"addr"`

	// Debug grants the Debug authorization level to auth-key clients,
	// enabling the raw packet watcher
	Debug bool `koanf:"debug" yaml:"debug"`

	// MaxSessions bounds the authenticated session table; the least recently
	// used session is evicted (and its node unregistered) past this
	MaxSessions int `koanf:"maxsessions" yaml:"maxsessions"`

	// StatusAddr, when non-empty, enables a plaintext localhost status
	// listener (JSON daemon/node summary).  Off by default.
	StatusAddr string `koanf:"statusaddr" yaml:"statusaddr"`
}

// DeviceConfig configures the device watchers.
type DeviceConfig struct {
	// USB enables the gousb watcher
	USB bool `koanf:"usb" yaml:"usb"`

	// USBMatches narrows the watcher to these vendor/product pairs.
	// Empty means any device carrying the HID-IO usage page.
	USBMatches []USBMatch `koanf:"usbmatches" yaml:"usbmatches"`

	// ScanIntervalMS is the pause between enumeration scans
	ScanIntervalMS int `koanf:"scanintervalms" yaml:"scanintervalms"`

	// UARTs lists serial-attached endpoints
	UARTs []UARTSetup `koanf:"uarts" yaml:"uarts"`

	// BLE enables the BLE central watcher (linux only)
	BLE bool `koanf:"ble" yaml:"ble"`

	// SyncIntervalS is the keep-alive sync idle threshold in seconds
	SyncIntervalS int `koanf:"syncintervals" yaml:"syncintervals"`
}

// Config is the top-level daemon configuration, populated from defaults and
// an optional yaml file.
type Config struct {
	// LogLevel is one of DEBUG, INFO, NOTICE, WARNING, ERROR, CRITICAL
	LogLevel string `koanf:"loglevel" yaml:"loglevel"`

	API APIConfig `koanf:"api" yaml:"api"`

	Devices DeviceConfig `koanf:"devices" yaml:"devices"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() Config {
	return Config{
		LogLevel: "INFO",
		API: APIConfig{
			Addr:        "localhost:7185",
			MaxSessions: 64,
		},
		Devices: DeviceConfig{
			USB:            true,
			ScanIntervalMS: 1000,
			SyncIntervalS:  5,
		},
	}
}

// LoadConfig layers the yaml file at path over the defaults.  A missing file
// is not an error; any other read or parse failure is.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") {
			return Config{}, err
		}
	}
	c := Config{}
	err := k.Unmarshal("", &c)
	return c, err
}
