package commands

import (
	"errors"
	"fmt"

	"github.com/hid-io/hidiod/protocol"
)

var (
	// ErrIdNotSupported is generated when a request names a command the
	// implementation does not provide; the accompanying reply is an empty nak
	ErrIdNotSupported = errors.New("commands: id not supported")
)

// Sizes is the family of payload capacities derived from the single
// construction parameter H.  The sub-capacities exist because some typed
// payloads reserve 1, 2 or 4 bytes of the data lane for their fixed fields.
type Sizes struct {
	// Full is H, the assembled payload capacity
	Full int

	// Sub1 is H-1: string lane of GetInfo acks
	Sub1 int

	// Sub2 is H-2: data lane of DirectSet
	Sub2 int

	// Sub4 is H-4: data lane of ManufacturingResult
	Sub4 int
}

// NewSizes derives the capacity family from H.
func NewSizes(h int) Sizes {
	return Sizes{Full: h, Sub1: h - 1, Sub2: h - 2, Sub4: h - 4}
}

// NakError carries a typed nak payload out of a request hook.  A hook that
// returns any other error naks with an empty payload.
type NakError struct {
	Data []byte
}

func (e *NakError) Error() string {
	return fmt.Sprintf("command nak'd (%d payload bytes)", len(e.Data))
}

// NakFlashMode builds the FlashMode refusal error.
func NakFlashMode(reason FlashModeError) error {
	return &NakError{Data: []byte{byte(reason)}}
}

// NakSleepMode builds the SleepMode refusal error.
func NakSleepMode(reason SleepModeError) error {
	return &NakError{Data: []byte{byte(reason)}}
}

// NakGetInfo builds the GetInfo refusal error carrying the property tag.
func NakGetInfo(p Property) error {
	return &NakError{Data: []byte{byte(p)}}
}

// Request hook interfaces.  A dispatcher implementation supports a command by
// implementing its hook; unimplemented commands are nak'd with
// ErrIdNotSupported.  HandleXNoAck hooks serve NaData packets; when absent
// the request hook is called and its reply discarded.
type (
	// SupportedIdsHandler answers SupportedIds requests.
	SupportedIdsHandler interface {
		HandleSupportedIds() (SupportedIdsAck, error)
	}

	// GetInfoHandler answers GetInfo requests.
	GetInfoHandler interface {
		HandleGetInfo(GetInfoCmd) (GetInfoAck, error)
	}

	// TestPacketHandler echoes test packets.
	TestPacketHandler interface {
		HandleTestPacket(TestPacket) (TestPacket, error)
	}

	// TestPacketNoAckHandler observes fire-and-forget test packets.
	TestPacketNoAckHandler interface {
		HandleTestPacketNoAck(TestPacket)
	}

	// ResetHidIoHandler resets the receiver's HID-IO state.
	ResetHidIoHandler interface {
		HandleResetHidIo() error
	}

	// FlashModeHandler puts the receiver into flash mode.
	FlashModeHandler interface {
		HandleFlashMode() (FlashModeAck, error)
	}

	// UnicodeTextHandler types a UTF-8 string.
	UnicodeTextHandler interface {
		HandleUnicodeText(UnicodeText) error
	}

	// UnicodeStateHandler sets the held-symbol set.
	UnicodeStateHandler interface {
		HandleUnicodeState(UnicodeState) error
	}

	// SleepModeHandler puts the receiver to sleep.
	SleepModeHandler interface {
		HandleSleepMode() error
	}

	// PixelSettingHandler controls the pixel pipeline.
	PixelSettingHandler interface {
		HandlePixelSetting(PixelSetting) error
	}

	// DirectSetHandler writes raw pixel data.
	DirectSetHandler interface {
		HandleDirectSet(DirectSet) error
	}

	// OpenUrlHandler opens a URL on the host.
	OpenUrlHandler interface {
		HandleOpenUrl(OpenUrl) error
	}

	// TerminalCmdHandler runs a terminal command line.
	TerminalCmdHandler interface {
		HandleTerminalCmd(TerminalCmd) error
	}

	// TerminalOutHandler receives terminal output.
	TerminalOutHandler interface {
		HandleTerminalOut(TerminalOut) error
	}

	// TerminalOutNoAckHandler observes fire-and-forget terminal output.
	TerminalOutNoAckHandler interface {
		HandleTerminalOutNoAck(TerminalOut)
	}

	// ManufacturingTestHandler starts a manufacturing test.
	ManufacturingTestHandler interface {
		HandleManufacturingTest(ManufacturingTest) error
	}

	// ManufacturingResultHandler receives manufacturing test data.
	ManufacturingResultHandler interface {
		HandleManufacturingResult(ManufacturingResult) error
	}

	// AckObserver sees every ack routed through the dispatcher.
	AckObserver interface {
		HandleAck(id ID, data []byte)
	}

	// NakObserver sees every nak routed through the dispatcher.
	NakObserver interface {
		HandleNak(id ID, data []byte)
	}
)

// row is one dispatch table entry: the decode / invoke / encode-reply triple
// plus the support probe and the no-ack variant.  Adding a command is one row
// here plus a hook interface above.
type row struct {
	supported func(impl interface{}) bool
	decode    func(data []byte) (interface{}, error)
	invoke    func(impl, args interface{}) (interface{}, error)
	encode    func(limit int, reply interface{}) ([]byte, error)
	noack     func(impl, args interface{}) bool
}

// emptyAck stands in for commands whose ack carries no payload.
type emptyAck struct{}

var table = map[ID]row{
	IdSupportedIds: {
		supported: func(i interface{}) bool { _, ok := i.(SupportedIdsHandler); return ok },
		decode:    func(b []byte) (interface{}, error) { return nil, nil },
		invoke: func(i, _ interface{}) (interface{}, error) {
			return i.(SupportedIdsHandler).HandleSupportedIds()
		},
		encode: func(limit int, r interface{}) ([]byte, error) {
			return r.(SupportedIdsAck).Marshal(limit)
		},
	},
	IdGetInfo: {
		supported: func(i interface{}) bool { _, ok := i.(GetInfoHandler); return ok },
		decode:    func(b []byte) (interface{}, error) { return ParseGetInfoCmd(b) },
		invoke: func(i, a interface{}) (interface{}, error) {
			return i.(GetInfoHandler).HandleGetInfo(a.(GetInfoCmd))
		},
		encode: func(limit int, r interface{}) ([]byte, error) {
			return r.(GetInfoAck).Marshal(limit)
		},
	},
	IdTestPacket: {
		supported: func(i interface{}) bool { _, ok := i.(TestPacketHandler); return ok },
		decode:    func(b []byte) (interface{}, error) { return ParseTestPacket(b) },
		invoke: func(i, a interface{}) (interface{}, error) {
			return i.(TestPacketHandler).HandleTestPacket(a.(TestPacket))
		},
		encode: func(limit int, r interface{}) ([]byte, error) {
			return r.(TestPacket).Marshal(limit)
		},
		noack: func(i, a interface{}) bool {
			h, ok := i.(TestPacketNoAckHandler)
			if ok {
				h.HandleTestPacketNoAck(a.(TestPacket))
			}
			return ok
		},
	},
	IdResetHidIo: {
		supported: func(i interface{}) bool { _, ok := i.(ResetHidIoHandler); return ok },
		decode:    func(b []byte) (interface{}, error) { return nil, nil },
		invoke: func(i, _ interface{}) (interface{}, error) {
			return emptyAck{}, i.(ResetHidIoHandler).HandleResetHidIo()
		},
		encode: encodeEmpty,
	},
	IdFlashMode: {
		supported: func(i interface{}) bool { _, ok := i.(FlashModeHandler); return ok },
		decode:    func(b []byte) (interface{}, error) { return nil, nil },
		invoke: func(i, _ interface{}) (interface{}, error) {
			return i.(FlashModeHandler).HandleFlashMode()
		},
		encode: func(limit int, r interface{}) ([]byte, error) {
			return r.(FlashModeAck).Marshal(limit)
		},
	},
	IdUnicodeText: {
		supported: func(i interface{}) bool { _, ok := i.(UnicodeTextHandler); return ok },
		decode:    func(b []byte) (interface{}, error) { return ParseUnicodeText(b) },
		invoke: func(i, a interface{}) (interface{}, error) {
			return emptyAck{}, i.(UnicodeTextHandler).HandleUnicodeText(a.(UnicodeText))
		},
		encode: encodeEmpty,
	},
	IdUnicodeState: {
		supported: func(i interface{}) bool { _, ok := i.(UnicodeStateHandler); return ok },
		decode:    func(b []byte) (interface{}, error) { return ParseUnicodeState(b) },
		invoke: func(i, a interface{}) (interface{}, error) {
			return emptyAck{}, i.(UnicodeStateHandler).HandleUnicodeState(a.(UnicodeState))
		},
		encode: encodeEmpty,
	},
	IdSleepMode: {
		supported: func(i interface{}) bool { _, ok := i.(SleepModeHandler); return ok },
		decode:    func(b []byte) (interface{}, error) { return nil, nil },
		invoke: func(i, _ interface{}) (interface{}, error) {
			return emptyAck{}, i.(SleepModeHandler).HandleSleepMode()
		},
		encode: encodeEmpty,
	},
	IdPixelSetting: {
		supported: func(i interface{}) bool { _, ok := i.(PixelSettingHandler); return ok },
		decode:    func(b []byte) (interface{}, error) { return ParsePixelSetting(b) },
		invoke: func(i, a interface{}) (interface{}, error) {
			return emptyAck{}, i.(PixelSettingHandler).HandlePixelSetting(a.(PixelSetting))
		},
		encode: encodeEmpty,
	},
	IdDirectSet: {
		supported: func(i interface{}) bool { _, ok := i.(DirectSetHandler); return ok },
		decode:    func(b []byte) (interface{}, error) { return ParseDirectSet(b) },
		invoke: func(i, a interface{}) (interface{}, error) {
			return emptyAck{}, i.(DirectSetHandler).HandleDirectSet(a.(DirectSet))
		},
		encode: encodeEmpty,
	},
	IdOpenUrl: {
		supported: func(i interface{}) bool { _, ok := i.(OpenUrlHandler); return ok },
		decode:    func(b []byte) (interface{}, error) { return ParseOpenUrl(b) },
		invoke: func(i, a interface{}) (interface{}, error) {
			return emptyAck{}, i.(OpenUrlHandler).HandleOpenUrl(a.(OpenUrl))
		},
		encode: encodeEmpty,
	},
	IdTerminalCmd: {
		supported: func(i interface{}) bool { _, ok := i.(TerminalCmdHandler); return ok },
		decode:    func(b []byte) (interface{}, error) { return ParseTerminalCmd(b) },
		invoke: func(i, a interface{}) (interface{}, error) {
			return emptyAck{}, i.(TerminalCmdHandler).HandleTerminalCmd(a.(TerminalCmd))
		},
		encode: encodeEmpty,
	},
	IdTerminalOut: {
		supported: func(i interface{}) bool { _, ok := i.(TerminalOutHandler); return ok },
		decode:    func(b []byte) (interface{}, error) { return ParseTerminalOut(b) },
		invoke: func(i, a interface{}) (interface{}, error) {
			return emptyAck{}, i.(TerminalOutHandler).HandleTerminalOut(a.(TerminalOut))
		},
		encode: encodeEmpty,
		noack: func(i, a interface{}) bool {
			h, ok := i.(TerminalOutNoAckHandler)
			if ok {
				h.HandleTerminalOutNoAck(a.(TerminalOut))
			}
			return ok
		},
	},
	IdManufacturingTest: {
		supported: func(i interface{}) bool { _, ok := i.(ManufacturingTestHandler); return ok },
		decode:    func(b []byte) (interface{}, error) { return ParseManufacturingTest(b) },
		invoke: func(i, a interface{}) (interface{}, error) {
			return emptyAck{}, i.(ManufacturingTestHandler).HandleManufacturingTest(a.(ManufacturingTest))
		},
		encode: encodeEmpty,
	},
	IdManufacturingResult: {
		supported: func(i interface{}) bool { _, ok := i.(ManufacturingResultHandler); return ok },
		decode:    func(b []byte) (interface{}, error) { return ParseManufacturingResult(b) },
		invoke: func(i, a interface{}) (interface{}, error) {
			return emptyAck{}, i.(ManufacturingResultHandler).HandleManufacturingResult(a.(ManufacturingResult))
		},
		encode: encodeEmpty,
	},
}

func encodeEmpty(limit int, _ interface{}) ([]byte, error) {
	return nil, nil
}

// Dispatcher routes handleable packets to an implementation's hooks and
// builds the reply packets the protocol requires.
type Dispatcher struct {
	sizes Sizes
	impl  interface{}
}

// NewDispatcher builds a dispatcher around impl with payload capacity h.
func NewDispatcher(impl interface{}, h int) *Dispatcher {
	return &Dispatcher{sizes: NewSizes(h), impl: impl}
}

// Sizes exposes the capacity family for implementations that truncate
// replies themselves.
func (d *Dispatcher) Sizes() Sizes {
	return d.sizes
}

// Supported reports the command ids the implementation provides, sorted by id.
func (d *Dispatcher) Supported() []ID {
	ids := make([]ID, 0, len(table))
	for id, r := range table {
		if r.supported(d.impl) {
			ids = append(ids, id)
		}
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}

// SupportedId reports whether one id is provided.
func (d *Dispatcher) SupportedId(id ID) bool {
	r, ok := table[id]
	return ok && r.supported(d.impl)
}

/*Dispatch routes one completed packet.

The returned packet, when non-nil, is the reply that must be written back to
the request's source; it carries the request's id.  The returned error is
diagnostic only — a nak reply and its cause are both produced, so callers
log the error and still send the reply.

Behaviour by packet type:

	Data          decode, request hook, ack/nak reply
	NaData        decode, no-ack hook, never a reply
	Ack, Nak      observer hooks, never a reply
	others        consumed at the codec layer; ignored here
*/
func (d *Dispatcher) Dispatch(p protocol.PacketBuffer) (*protocol.PacketBuffer, error) {
	if !p.Done {
		return nil, nil
	}
	id := ID(p.Id)
	switch p.Ptype {
	case protocol.TypeData:
		r, ok := table[id]
		if !ok || !r.supported(d.impl) {
			return d.reply(p, protocol.TypeNak, nil), ErrIdNotSupported
		}
		args, err := r.decode(p.Data)
		if err != nil {
			return d.reply(p, protocol.TypeNak, nil), err
		}
		ack, err := r.invoke(d.impl, args)
		if err != nil {
			var nak *NakError
			if errors.As(err, &nak) {
				return d.reply(p, protocol.TypeNak, nak.Data), err
			}
			return d.reply(p, protocol.TypeNak, nil), err
		}
		data, err := r.encode(d.sizes.Full, ack)
		if err != nil {
			// the ack cannot fit the payload budget; tell the peer
			return d.reply(p, protocol.TypeNak, nil), ErrPayloadTooSmall
		}
		return d.reply(p, protocol.TypeAck, data), nil
	case protocol.TypeNaData:
		r, ok := table[id]
		if !ok || !r.supported(d.impl) {
			// fire-and-forget packets are dropped silently
			return nil, ErrIdNotSupported
		}
		args, err := r.decode(p.Data)
		if err != nil {
			return nil, err
		}
		if r.noack == nil || !r.noack(d.impl, args) {
			// fall back on the request hook, discarding its reply
			_, err = r.invoke(d.impl, args)
		}
		return nil, err
	case protocol.TypeAck:
		if o, ok := d.impl.(AckObserver); ok {
			o.HandleAck(id, p.Data)
		}
		return nil, nil
	case protocol.TypeNak:
		if o, ok := d.impl.(NakObserver); ok {
			o.HandleNak(id, p.Data)
		}
		return nil, nil
	}
	return nil, nil
}

// reply builds a response packet mirroring the request id.
func (d *Dispatcher) reply(req protocol.PacketBuffer, ptype protocol.PacketType, data []byte) *protocol.PacketBuffer {
	return &protocol.PacketBuffer{
		Ptype:  ptype,
		Id:     req.Id,
		MaxLen: req.MaxLen,
		Data:   data,
		Done:   true,
	}
}
