/*Package hidiod carries the pieces shared by the hidiod binaries: the daemon
version, logging setup, and configuration handling.

The packages below this one implement the daemon itself:

	protocol            HID-IO packet codec
	protocol/commands   typed commands and the dispatch table
	mailbox             broadcast bus, endpoint registry
	device              per-endpoint controllers and transports
	module              built-in daemon modules
	api                 TLS RPC surface for external clients
*/
package hidiod

import (
	"runtime"

	"github.com/blang/semver"
	uuid "github.com/satori/go.uuid"
)

// Version is the daemon version.  Typically injected via ldflags with git build
var Version = "0.1.0-dev"

// InstanceID identifies this daemon process.  It is regenerated on every
// start and reported to API clients so they can detect daemon restarts.
var InstanceID = uuid.NewV4().String()

// HostSoftwareName is reported for the HostSoftwareName GetInfo property.
const HostSoftwareName = "hidiod"

// SemVersion parses Version.  Build metadata and pre-release tags are
// tolerated; an unparseable Version yields 0.0.0.
func SemVersion() semver.Version {
	v, err := semver.ParseTolerant(Version)
	if err != nil {
		return semver.Version{}
	}
	return v
}

// OsType tags for the GetInfo OsType property, matching the on-wire byte
// values used by device firmware.
const (
	OsUnknown  byte = 0x00
	OsWindows  byte = 0x01
	OsLinux    byte = 0x02
	OsAndroid  byte = 0x03
	OsMacOs    byte = 0x04
	OsIos      byte = 0x05
	OsChromeOs byte = 0x06
	OsFreeBsd  byte = 0x07
	OsOpenBsd  byte = 0x08
	OsNetBsd   byte = 0x09
)

// HostOsType reports the OsType tag for the running host.
func HostOsType() byte {
	switch runtime.GOOS {
	case "windows":
		return OsWindows
	case "linux":
		return OsLinux
	case "android":
		return OsAndroid
	case "darwin":
		return OsMacOs
	case "ios":
		return OsIos
	case "freebsd":
		return OsFreeBsd
	case "openbsd":
		return OsOpenBsd
	case "netbsd":
		return OsNetBsd
	}
	return OsUnknown
}
