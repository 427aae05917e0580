/*Package commands implements the typed HID-IO command layer on top of the
packet codec.

Each command id has a payload contract expressed as a pair of structs (the
request and its ack) with explicit parse and marshal functions over the
little-endian wire lanes.  The Dispatcher routes completed packets to an
implementation by probing it for the per-command hook interfaces, so an
implementation only declares the commands it actually supports; everything
else is nak'd.
*/
package commands

import "fmt"

// ID is a HID-IO command identifier.  The id space is 32 bits on the wire;
// all currently assigned ids fit in 16.
type ID uint32

// Assigned command ids.
const (
	IdSupportedIds        ID = 0x00
	IdGetInfo             ID = 0x01
	IdTestPacket          ID = 0x02
	IdResetHidIo          ID = 0x03
	IdFlashMode           ID = 0x16
	IdUnicodeText         ID = 0x17
	IdUnicodeState        ID = 0x18
	IdSleepMode           ID = 0x1A
	IdPixelSetting        ID = 0x21
	IdDirectSet           ID = 0x26
	IdOpenUrl             ID = 0x30
	IdTerminalCmd         ID = 0x31
	IdTerminalOut         ID = 0x34
	IdManufacturingTest   ID = 0x50
	IdManufacturingResult ID = 0x51
)

func (id ID) String() string {
	switch id {
	case IdSupportedIds:
		return "SupportedIds"
	case IdGetInfo:
		return "GetInfo"
	case IdTestPacket:
		return "TestPacket"
	case IdResetHidIo:
		return "ResetHidIo"
	case IdFlashMode:
		return "FlashMode"
	case IdUnicodeText:
		return "UnicodeText"
	case IdUnicodeState:
		return "UnicodeState"
	case IdSleepMode:
		return "SleepMode"
	case IdPixelSetting:
		return "PixelSetting"
	case IdDirectSet:
		return "DirectSet"
	case IdOpenUrl:
		return "OpenUrl"
	case IdTerminalCmd:
		return "TerminalCmd"
	case IdTerminalOut:
		return "TerminalOut"
	case IdManufacturingTest:
		return "ManufacturingTest"
	case IdManufacturingResult:
		return "ManufacturingResult"
	}
	return fmt.Sprintf("Id(0x%04X)", uint32(id))
}

// Property tags for the GetInfo command.
type Property byte

// GetInfo property values.
const (
	PropUnknown            Property = 0x00
	PropMajorVersion       Property = 0x01
	PropMinorVersion       Property = 0x02
	PropPatchVersion       Property = 0x03
	PropDeviceName         Property = 0x04
	PropDeviceSerialNumber Property = 0x05
	PropDeviceVersion      Property = 0x06
	PropDeviceMcu          Property = 0x07
	PropFirmwareName       Property = 0x08
	PropFirmwareVersion    Property = 0x09
	PropDeviceVendor       Property = 0x0A
	PropOsType             Property = 0x0B
	PropOsVersion          Property = 0x0C
	PropHostSoftwareName   Property = 0x0D
)

// numberProperty reports whether the property's ack payload is a u16.
func numberProperty(p Property) bool {
	switch p {
	case PropMajorVersion, PropMinorVersion, PropPatchVersion:
		return true
	}
	return false
}

// osProperty reports whether the property's ack payload is the OS tag byte.
func osProperty(p Property) bool {
	return p == PropOsType
}

// FlashModeError is the 1-byte error payload of a FlashMode nak.
type FlashModeError byte

// FlashMode nak reasons.
const (
	FlashModeNotSupported FlashModeError = 0
	FlashModeDisabled     FlashModeError = 1
)

// SleepModeError is the 1-byte error payload of a SleepMode nak.
type SleepModeError byte

// SleepMode nak reasons.
const (
	SleepModeNotSupported SleepModeError = 0
	SleepModeDisabled     SleepModeError = 1
	SleepModeNotReady     SleepModeError = 2
)
