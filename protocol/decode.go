package protocol

// decodeStage tracks where the decoder is inside the current packet.
type decodeStage int

const (
	stageHeader decodeStage = iota
	stageLength
	stageBody
)

// Decoder consumes a byte stream at arbitrary chunk boundaries and
// reassembles HID-IO packets into a PacketBuffer.  One Decoder serves one
// endpoint; its state is the partially received packet.
type Decoder struct {
	// maxPayload is the assembled-payload capacity H
	maxPayload int

	stage      decodeStage
	hdr        byte
	declared   int
	idw        int
	body       []byte
	assembling bool
}

// NewDecoder returns a decoder whose assembled payloads are capped at
// maxPayload bytes.
func NewDecoder(maxPayload int) *Decoder {
	return &Decoder{maxPayload: maxPayload}
}

// Reset discards any partially received packet.
func (d *Decoder) Reset() {
	d.stage = stageHeader
	d.body = nil
	d.assembling = false
}

/*Decode consumes bytes from chunk into buf.

It returns the number of bytes consumed.  Decoding stops early when one
packet completes, so a chunk holding several packets is drained by calling
Decode again with chunk[n:].  buf.Done reports whether the full payload
(including any continuations) has been assembled; a completed head packet
with cont=1 leaves Done false and the decoder waiting for the continuation.

A Sync byte discards both the decoder state and any partial buf content,
then completes buf as a Sync packet.  On error the decoder state is reset;
buf is left as-is for the caller to log and clear.
*/
func (d *Decoder) Decode(chunk []byte, buf *PacketBuffer) (int, error) {
	consumed := 0
	for consumed < len(chunk) {
		b := chunk[consumed]
		switch d.stage {
		case stageHeader:
			ptype := PacketType(b >> 5)
			if ptype > TypeNaContinued {
				d.Reset()
				return consumed, ErrInvalidPacketType
			}
			if _, err := idWidthBytes(b >> 2 & 0x3); err != nil {
				d.Reset()
				return consumed, err
			}
			consumed++
			if ptype == TypeSync {
				// a sync wipes any partial reassembly
				d.Reset()
				*buf = PacketBuffer{Ptype: TypeSync, MaxLen: buf.MaxLen, Done: true}
				return consumed, nil
			}
			d.hdr = b
			d.stage = stageLength
		case stageLength:
			d.declared = int(d.hdr&0x3)<<8 | int(b)
			d.idw, _ = idWidthBytes(d.hdr >> 2 & 0x3)
			if d.declared < d.idw {
				// id bytes alone exceed the declared payload
				d.Reset()
				return consumed, ErrShortHeader
			}
			consumed++
			d.body = make([]byte, 0, d.declared)
			d.stage = stageBody
		case stageBody:
			take := d.declared - len(d.body)
			if take > len(chunk)-consumed {
				take = len(chunk) - consumed
			}
			d.body = append(d.body, chunk[consumed:consumed+take]...)
			consumed += take
			if len(d.body) < d.declared {
				return consumed, nil // pending
			}
			err := d.finish(buf)
			d.stage = stageHeader
			d.body = nil
			if err != nil {
				d.Reset()
			}
			return consumed, err
		}
	}
	return consumed, nil
}

// finish folds a completed packet (header + id + data in d.body) into buf.
func (d *Decoder) finish(buf *PacketBuffer) error {
	ptype := PacketType(d.hdr >> 5)
	cont := d.hdr&(1<<4) != 0
	id := idLSB(d.body[:d.idw])
	data := d.body[d.idw:]

	continuation := ptype == TypeContinued || ptype == TypeNaContinued

	if continuation {
		if !d.assembling || id != buf.Id {
			return ErrContinuationMismatch
		}
	} else {
		if d.assembling {
			// a fresh head packet arrived while mid-assembly
			return ErrContinuationMismatch
		}
		buf.Ptype = ptype
		buf.Id = id
		buf.Data = buf.Data[:0]
		buf.Done = false
	}

	if len(buf.Data)+len(data) > d.maxPayload {
		return ErrPayloadTooLarge
	}
	buf.Data = append(buf.Data, data...)
	buf.Done = !cont
	d.assembling = cont
	return nil
}

// DecodeFull decodes one complete packet (with continuations) from raw.
// It is a convenience for tests and single-shot callers; incremental
// transports should hold a Decoder.
func DecodeFull(raw []byte, maxPayload int) (PacketBuffer, error) {
	if len(raw) == 0 {
		return PacketBuffer{}, ErrShortHeader
	}
	d := NewDecoder(maxPayload)
	buf := NewPacketBuffer()
	rest := raw
	for !buf.Done {
		if len(rest) == 0 {
			return buf, ErrShortHeader
		}
		n, err := d.Decode(rest, &buf)
		if err != nil {
			return buf, err
		}
		rest = rest[n:]
	}
	return buf, nil
}
