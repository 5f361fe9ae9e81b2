// Package upload streams file payloads over dedicated channels in
// strictly sequential binary chunks and yields the entry metadata a form
// submission carries.
package upload

import (
	"fmt"
)

// Binary frames open with a two-byte kind/version marker.
var frameHeader = [2]byte{0x00, 0x01}

// EncodeChunkFrame builds one binary upload frame: the header, then the
// join ref, ref, and topic each prefixed by a 1-byte length, then the raw
// chunk bytes verbatim. Identifiers must be ASCII and at most 255 bytes.
func EncodeChunkFrame(joinRef, ref, topic string, chunk []byte) ([]byte, error) {
	for _, id := range []struct{ name, value string }{
		{"join ref", joinRef},
		{"ref", ref},
		{"topic", topic},
	} {
		if len(id.value) > 255 {
			return nil, fmt.Errorf("upload: %s longer than 255 bytes", id.name)
		}
		for i := 0; i < len(id.value); i++ {
			if id.value[i] > 0x7f {
				return nil, fmt.Errorf("upload: %s is not ASCII", id.name)
			}
		}
	}

	frame := make([]byte, 0, 2+3+len(joinRef)+len(ref)+len(topic)+len(chunk))
	frame = append(frame, frameHeader[0], frameHeader[1])
	frame = append(frame, byte(len(joinRef)))
	frame = append(frame, joinRef...)
	frame = append(frame, byte(len(ref)))
	frame = append(frame, ref...)
	frame = append(frame, byte(len(topic)))
	frame = append(frame, topic...)
	frame = append(frame, chunk...)
	return frame, nil
}

// DecodeChunkFrame splits a binary upload frame into its identifiers and
// chunk bytes. The receiving side uses it to route acknowledgments.
func DecodeChunkFrame(frame []byte) (joinRef, ref, topic string, chunk []byte, err error) {
	if len(frame) < 2 || frame[0] != frameHeader[0] || frame[1] != frameHeader[1] {
		return "", "", "", nil, fmt.Errorf("upload: bad frame header")
	}
	rest := frame[2:]
	next := func(name string) (string, error) {
		if len(rest) < 1 {
			return "", fmt.Errorf("upload: truncated frame before %s", name)
		}
		n := int(rest[0])
		rest = rest[1:]
		if len(rest) < n {
			return "", fmt.Errorf("upload: truncated %s", name)
		}
		id := string(rest[:n])
		rest = rest[n:]
		return id, nil
	}
	if joinRef, err = next("join ref"); err != nil {
		return "", "", "", nil, err
	}
	if ref, err = next("ref"); err != nil {
		return "", "", "", nil, err
	}
	if topic, err = next("topic"); err != nil {
		return "", "", "", nil, err
	}
	return joinRef, ref, topic, rest, nil
}
