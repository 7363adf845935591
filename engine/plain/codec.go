// File: engine/plain/codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Record layout. A datagram carries one or more records back to back:
//
//	H  alpn-len:u8 alpn        client hello
//	A  max-streams:u64         server accept
//	S  id:u64 len:u16 data     stream bytes
//	F  id:u64                  stream finished
//	C  code:u64                connection close
//
// Integers are big-endian.

package plain

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/hioload-mqtt/api"
)

const (
	recHello  = 'H'
	recAccept = 'A'
	recStream = 'S'
	recFin    = 'F'
	recClose  = 'C'

	streamHeaderLen = 1 + 8 + 2
	maxStreamChunk  = 0xFFFF
)

type record struct {
	kind byte
	id   int64
	num  uint64 // max streams or close code
	alpn string
	data []byte
}

func appendHello(dst []byte, alpn string) []byte {
	dst = append(dst, recHello, byte(len(alpn)))
	return append(dst, alpn...)
}

func appendAccept(dst []byte, maxStreams uint64) []byte {
	return binary.BigEndian.AppendUint64(append(dst, recAccept), maxStreams)
}

func appendStream(dst []byte, id int64, data []byte) []byte {
	dst = binary.BigEndian.AppendUint64(append(dst, recStream), uint64(id))
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(data)))
	return append(dst, data...)
}

func appendFin(dst []byte, id int64) []byte {
	return binary.BigEndian.AppendUint64(append(dst, recFin), uint64(id))
}

func appendClose(dst []byte, code api.ErrorCode) []byte {
	return binary.BigEndian.AppendUint64(append(dst, recClose), uint64(code))
}

func malformed(format string, args ...any) error {
	return &api.EngineError{Code: api.CodeFrameEncoding, Reason: fmt.Sprintf(format, args...)}
}

// parseRecords calls fn for every record in pkt. Record data aliases pkt.
func parseRecords(pkt []byte, fn func(record) error) error {
	for len(pkt) > 0 {
		var r record
		r.kind = pkt[0]
		body := pkt[1:]
		switch r.kind {
		case recHello:
			if len(body) < 1 || len(body) < 1+int(body[0]) {
				return malformed("truncated hello")
			}
			n := int(body[0])
			r.alpn = string(body[1 : 1+n])
			pkt = body[1+n:]
		case recAccept, recFin, recClose:
			if len(body) < 8 {
				return malformed("truncated %q record", r.kind)
			}
			v := binary.BigEndian.Uint64(body)
			if r.kind == recFin {
				r.id = int64(v)
			} else {
				r.num = v
			}
			pkt = body[8:]
		case recStream:
			if len(body) < streamHeaderLen-1 {
				return malformed("truncated stream header")
			}
			r.id = int64(binary.BigEndian.Uint64(body))
			n := int(binary.BigEndian.Uint16(body[8:]))
			if len(body) < 10+n {
				return malformed("stream record wants %d bytes, has %d", n, len(body)-10)
			}
			r.data = body[10 : 10+n]
			pkt = body[10+n:]
		default:
			return malformed("unknown record %#x", r.kind)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}
