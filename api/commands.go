package api

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/hid-io/hidiod/mailbox"
	"github.com/hid-io/hidiod/protocol"
	"github.com/hid-io/hidiod/protocol/commands"
)

// supportedCacheSize bounds the per-device SupportedIds cache; old devices
// age out as new ones appear.
const supportedCacheSize = 64

// defaultSyncTolerance is the number of keep-alive syncs an ack-await rides
// out before reporting a timeout.
const defaultSyncTolerance = 1

// DeviceInfo aggregates the GetInfo properties a device answered.
type DeviceInfo struct {
	MajorVersion    uint16 `json:"major"`
	MinorVersion    uint16 `json:"minor"`
	PatchVersion    uint16 `json:"patch"`
	DeviceName      string `json:"name,omitempty"`
	DeviceSerial    string `json:"serial,omitempty"`
	FirmwareName    string `json:"firmware,omitempty"`
	FirmwareVersion string `json:"firmwareVersion,omitempty"`
}

// Commander issues HID-IO requests to endpoints on behalf of API clients and
// waits out their acks.
type Commander struct {
	mb        *mailbox.Mailbox
	supported *lru.Cache
}

// NewCommander builds a commander over the mailbox.
func NewCommander(mb *mailbox.Mailbox) (*Commander, error) {
	cache, err := lru.New(supportedCacheSize)
	if err != nil {
		return nil, err
	}
	return &Commander{mb: mb, supported: cache}, nil
}

// request sends a Data packet from the client node and awaits its reply.
func (c *Commander) request(ctx context.Context, src mailbox.Address, uid uint64, id commands.ID, data []byte) (mailbox.Message, error) {
	dst := mailbox.DeviceHidio(uid)
	if node, ok := c.mb.Registry.Get(uid); ok && node.Type == mailbox.NodeHidIoDaemon {
		dst = mailbox.Module
	}
	msg := mailbox.Message{
		Src: src,
		Dst: dst,
		Data: protocol.PacketBuffer{
			Ptype:  protocol.TypeData,
			Id:     uint32(id),
			MaxLen: protocol.DefaultMaxLen,
			Data:   data,
			Done:   true,
		},
	}
	return c.mb.SendAndAwaitAck(ctx, msg, defaultSyncTolerance)
}

// SupportedIds queries (and caches) the command ids an endpoint implements.
func (c *Commander) SupportedIds(ctx context.Context, src mailbox.Address, uid uint64) ([]commands.ID, error) {
	if v, ok := c.supported.Get(uid); ok {
		return v.([]commands.ID), nil
	}
	reply, err := c.request(ctx, src, uid, commands.IdSupportedIds, nil)
	if err != nil {
		return nil, err
	}
	ack, err := commands.ParseSupportedIdsAck(reply.Data.Data)
	if err != nil {
		return nil, errors.Wrap(err, "parsing supported ids")
	}
	c.supported.Add(uid, ack.Ids)
	return ack.Ids, nil
}

// ForgetSupported drops the cached id list for a departed endpoint.
func (c *Commander) ForgetSupported(uid uint64) {
	c.supported.Remove(uid)
}

// FlashMode asks the device to enter flash mode, returning the scancode
// that aborts it.
func (c *Commander) FlashMode(ctx context.Context, src mailbox.Address, uid uint64) (commands.FlashModeAck, error) {
	reply, err := c.request(ctx, src, uid, commands.IdFlashMode, nil)
	if err != nil {
		return commands.FlashModeAck{}, err
	}
	return commands.ParseFlashModeAck(reply.Data.Data)
}

// SleepMode asks the device to sleep.
func (c *Commander) SleepMode(ctx context.Context, src mailbox.Address, uid uint64) error {
	_, err := c.request(ctx, src, uid, commands.IdSleepMode, nil)
	return err
}

// TestPacket round-trips payload through the endpoint.
func (c *Commander) TestPacket(ctx context.Context, src mailbox.Address, uid uint64, payload []byte) ([]byte, error) {
	reply, err := c.request(ctx, src, uid, commands.IdTestPacket, payload)
	if err != nil {
		return nil, err
	}
	return reply.Data.Data, nil
}

// Info collects the device-describing GetInfo properties, skipping the ones
// the endpoint naks.
func (c *Commander) Info(ctx context.Context, src mailbox.Address, uid uint64) (DeviceInfo, error) {
	var info DeviceInfo
	props := []commands.Property{
		commands.PropMajorVersion,
		commands.PropMinorVersion,
		commands.PropPatchVersion,
		commands.PropDeviceName,
		commands.PropDeviceSerialNumber,
		commands.PropFirmwareName,
		commands.PropFirmwareVersion,
	}
	answered := false
	for _, p := range props {
		payload, err := commands.GetInfoCmd{Property: p}.Marshal(1)
		if err != nil {
			return info, err
		}
		reply, err := c.request(ctx, src, uid, commands.IdGetInfo, payload)
		if err != nil {
			var nak *mailbox.NakReceivedError
			if errors.As(err, &nak) {
				continue // property not available on this endpoint
			}
			return info, err
		}
		ack, err := commands.ParseGetInfoAck(reply.Data.Data)
		if err != nil {
			return info, errors.Wrap(err, "parsing getinfo ack")
		}
		answered = true
		switch p {
		case commands.PropMajorVersion:
			info.MajorVersion = ack.Number
		case commands.PropMinorVersion:
			info.MinorVersion = ack.Number
		case commands.PropPatchVersion:
			info.PatchVersion = ack.Number
		case commands.PropDeviceName:
			info.DeviceName = ack.Str
		case commands.PropDeviceSerialNumber:
			info.DeviceSerial = ack.Str
		case commands.PropFirmwareName:
			info.FirmwareName = ack.Str
		case commands.PropFirmwareVersion:
			info.FirmwareVersion = ack.Str
		}
	}
	if !answered {
		return info, errors.New("endpoint answered no getinfo property")
	}
	return info, nil
}

// ManufacturingTest starts a manufacturing test on the device.
func (c *Commander) ManufacturingTest(ctx context.Context, src mailbox.Address, uid uint64, cmd, arg uint16) error {
	payload, err := commands.ManufacturingTest{Command: cmd, Argument: arg}.Marshal(4)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, src, uid, commands.IdManufacturingTest, payload)
	return err
}

// PixelSetting drives the device's pixel pipeline controls.
func (c *Commander) PixelSetting(ctx context.Context, src mailbox.Address, uid uint64, cmd, arg uint16) error {
	payload, err := commands.PixelSetting{Command: cmd, Argument: arg}.Marshal(4)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, src, uid, commands.IdPixelSetting, payload)
	return err
}

// PixelSet writes raw pixel data starting at addr.
func (c *Commander) PixelSet(ctx context.Context, src mailbox.Address, uid uint64, addr uint16, data []byte) error {
	payload, err := commands.DirectSet{StartAddress: addr, Data: data}.Marshal(2 + len(data))
	if err != nil {
		return err
	}
	_, err = c.request(ctx, src, uid, commands.IdDirectSet, payload)
	return err
}

// CliCommand runs a command line on the device's terminal.
func (c *Commander) CliCommand(ctx context.Context, src mailbox.Address, uid uint64, line string) error {
	payload, err := commands.TerminalCmd{Command: line}.Marshal(len(line))
	if err != nil {
		return err
	}
	_, err = c.request(ctx, src, uid, commands.IdTerminalCmd, payload)
	return err
}
