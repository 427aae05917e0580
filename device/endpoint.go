/*Package device bridges one HID-IO transport to the mailbox.

An Endpoint wraps a raw duplex transport (USB interrupt pipe, BLE
characteristic pair, serial port) with the packet codec: outbound buffers are
re-chunked to the transport's packet budget, inbound bytes are reassembled
incrementally.  A Controller owns an Endpoint plus a mailbox subscription and
runs the per-device state machine: keep-alive syncs, publish on assembly,
write-on-match, disconnect on transport failure.

Transports are expected to poll: a read that has nothing to deliver should
return within ~10 ms with zero bytes and a timeout-class error (or no error).
*/
package device

import (
	"io"
	"os"
	"strings"

	"github.com/op/go-logging"

	"github.com/hid-io/hidiod/protocol"
)

var log = logging.MustGetLogger("device")

// maxRecvSize bounds one transport read.
const maxRecvSize = 1024

// Endpoint is a raw transport plus the codec state needed to speak HID-IO
// over it.
type Endpoint struct {
	transport    io.ReadWriteCloser
	maxPacketLen uint32

	dec     *protocol.Decoder
	scratch [maxRecvSize]byte
	pending []byte
}

// NewEndpoint wraps transport with a serialized-packet budget of maxPacketLen
// bytes (the transport's transmission unit, e.g. 64 for a HID report).
func NewEndpoint(transport io.ReadWriteCloser, maxPacketLen uint32) *Endpoint {
	return &Endpoint{
		transport:    transport,
		maxPacketLen: maxPacketLen,
		dec:          protocol.NewDecoder(maxRecvSize),
	}
}

// MaxPacketLen reports the transport's packet budget.
func (e *Endpoint) MaxPacketLen() uint32 { return e.maxPacketLen }

// NewBuffer returns an empty reassembly buffer carrying the endpoint's
// packet budget.
func (e *Endpoint) NewBuffer() protocol.PacketBuffer {
	return protocol.PacketBuffer{MaxLen: e.maxPacketLen}
}

// ResetRecv drops any partial reassembly (decoder state and pending bytes).
func (e *Endpoint) ResetRecv() {
	e.dec.Reset()
	e.pending = nil
}

// isWouldBlock distinguishes a poll timeout from a real transport failure.
// Timeout-class errors surface differently per backend, so this matches both
// the interfaces and the trigger phrases.
func isWouldBlock(err error) bool {
	if err == nil {
		return false
	}
	if os.IsTimeout(err) {
		return true
	}
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok && te.Timeout() {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "timeout") || strings.Contains(s, "timed out") ||
		strings.Contains(s, "would block")
}

/*RecvChunk reads once from the transport and feeds the bytes to the codec.

The returned count is the number of transport bytes taken this call; zero
means the link was idle.  Codec errors are returned after the decoder and the
offending bytes are discarded — the transport itself is still healthy and the
caller keeps the endpoint.  A transport error other than a poll timeout is
returned as-is for the caller to treat as a disconnect.

One call absorbs at most one completed packet into buf; bytes beyond it are
held for the next call.
*/
func (e *Endpoint) RecvChunk(buf *protocol.PacketBuffer) (int, error) {
	nread := 0
	if len(e.pending) == 0 {
		n, err := e.transport.Read(e.scratch[:])
		if err != nil && !isWouldBlock(err) {
			return 0, err
		}
		if n == 0 {
			return 0, nil
		}
		nread = n
		e.pending = e.scratch[:n]
	}

	for len(e.pending) > 0 {
		n, err := e.dec.Decode(e.pending, buf)
		e.pending = e.pending[n:]
		if err != nil {
			e.ResetRecv()
			return nread, err
		}
		if buf.Done {
			break
		}
	}
	return nread, nil
}

// SendPacket re-chunks p to the endpoint's packet budget and writes it out
// in transmission units.
func (e *Endpoint) SendPacket(p protocol.PacketBuffer) error {
	p.MaxLen = e.maxPacketLen
	raw, err := protocol.EncodeBuffer(p)
	if err != nil {
		return err
	}
	unit := int(e.maxPacketLen)
	for off := 0; off < len(raw); off += unit {
		end := off + unit
		if end > len(raw) {
			end = len(raw)
		}
		if _, err := e.transport.Write(raw[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// SendSync writes a keep-alive sync packet.
func (e *Endpoint) SendSync() error {
	return e.SendPacket(protocol.PacketBuffer{Ptype: protocol.TypeSync, Done: true})
}

// Close closes the underlying transport.
func (e *Endpoint) Close() error {
	return e.transport.Close()
}
