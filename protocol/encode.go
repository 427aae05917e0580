package protocol

// continuationType maps a head packet type to the type its continuation
// packets carry.  Reply and request packets continue as Continued; the
// no-ack stream keeps its no-ack property.
func continuationType(head PacketType) PacketType {
	if head == TypeNaData || head == TypeNaContinued {
		return TypeNaContinued
	}
	return TypeContinued
}

// header assembles the first wire byte.
func header(ptype PacketType, cont bool, widthField byte, length int) byte {
	b := byte(ptype)<<5 | widthField<<2 | byte(length>>8)&0x3
	if cont {
		b |= 1 << 4
	}
	return b
}

// SerializedLen reports the number of bytes EncodeBuffer will emit for p,
// including all continuation packets.
func SerializedLen(p PacketBuffer) (int, error) {
	if p.Ptype == TypeSync {
		return 1, nil
	}
	idw, err := idWidthBytes(idWidthField(p.Id))
	if err != nil {
		return 0, err
	}
	capacity := chunkCapacity(p, idw)
	if capacity < 1 {
		return 0, ErrMaxLenTooSmall
	}
	n := len(p.Data)
	packets := 1
	if n > capacity {
		packets += (n - 1) / capacity
	}
	return packets*(2+idw) + n, nil
}

// chunkCapacity is the per-packet data capacity after the header, length
// byte and id bytes are accounted for.
func chunkCapacity(p PacketBuffer, idw int) int {
	max := int(p.MaxLen)
	if max == 0 {
		max = DefaultMaxLen
	}
	c := max - 2 - idw
	if c > maxDeclaredLen-idw {
		c = maxDeclaredLen - idw
	}
	return c
}

/*EncodeBuffer serializes p into its on-wire representation.

If the payload does not fit a single packet of p.MaxLen bytes, the output is
a head packet with cont=1 followed by continuation packets carrying the same
id; every packet except the last is exactly p.MaxLen bytes so transports can
write the result in MaxLen-sized units without splitting a packet.

Only a buffer with Done set should be encoded; the codec does not check this
because partially filled buffers are also used by tests to build hostile
inputs.
*/
func EncodeBuffer(p PacketBuffer) ([]byte, error) {
	if p.Ptype > TypeNaContinued {
		return nil, ErrInvalidPacketType
	}
	if p.Ptype == TypeSync {
		return []byte{header(TypeSync, false, 0, 0)}, nil
	}

	wf := idWidthField(p.Id)
	idw, err := idWidthBytes(wf)
	if err != nil {
		return nil, err
	}
	capacity := chunkCapacity(p, idw)
	if capacity < 1 {
		return nil, ErrMaxLenTooSmall
	}

	out := make([]byte, 0, 2+idw+len(p.Data))
	ptype := p.Ptype
	rest := p.Data
	for first := true; first || len(rest) > 0; first = false {
		chunk := rest
		if len(chunk) > capacity {
			chunk = chunk[:capacity]
		}
		rest = rest[len(chunk):]
		cont := len(rest) > 0

		declared := idw + len(chunk)
		out = append(out, header(ptype, cont, wf, declared), byte(declared))
		idb := make([]byte, idw)
		putIdLSB(idb, p.Id)
		out = append(out, idb...)
		out = append(out, chunk...)

		ptype = continuationType(p.Ptype)
	}
	return out, nil
}
