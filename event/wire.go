// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

package event // import "github.com/ovswatch/ovswatch/event"

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"
)

// Section is one decoded section of a framed event. Data aliases the frame
// it was decoded from.
type Section struct {
	Owner Owner
	Kind  Kind
	Data  []byte
}

// Event is a decoded frame, used by the collector side of the capture format
// and by tests. The probe path never decodes.
type Event struct {
	Sections []Section
}

// Section returns the payload of the (owner, kind) section.
func (e *Event) Section(owner Owner, kind Kind) ([]byte, bool) {
	for i := range e.Sections {
		if e.Sections[i].Owner == owner && e.Sections[i].Kind == kind {
			return e.Sections[i].Data, true
		}
	}
	return nil, false
}

// DecodeFrame parses and verifies one framed event.
func DecodeFrame(frame []byte) (*Event, error) {
	if len(frame) < frameHeaderLen+frameDigestLen {
		return nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	payloadLen := int(binary.LittleEndian.Uint16(frame[0:2]))
	nSections := int(frame[2])
	if len(frame) != frameHeaderLen+payloadLen+frameDigestLen {
		return nil, fmt.Errorf("frame length mismatch: header says %d payload bytes, frame has %d",
			payloadLen, len(frame)-frameHeaderLen-frameDigestLen)
	}

	digest := binary.LittleEndian.Uint64(frame[frameHeaderLen+payloadLen:])
	if want := xxh3.Hash(frame[:frameHeaderLen+payloadLen]); digest != want {
		return nil, fmt.Errorf("frame digest mismatch: got %#x, want %#x", digest, want)
	}

	ev := &Event{Sections: make([]Section, 0, nSections)}
	payload := frame[frameHeaderLen : frameHeaderLen+payloadLen]
	for len(payload) > 0 {
		if len(payload) < sectionHeaderLen {
			return nil, fmt.Errorf("truncated section header: %d bytes left", len(payload))
		}
		size := int(binary.LittleEndian.Uint16(payload[2:4]))
		if len(payload) < sectionHeaderLen+size {
			return nil, fmt.Errorf("truncated section payload: want %d bytes, have %d",
				size, len(payload)-sectionHeaderLen)
		}
		ev.Sections = append(ev.Sections, Section{
			Owner: Owner(payload[0]),
			Kind:  Kind(payload[1]),
			Data:  payload[sectionHeaderLen : sectionHeaderLen+size],
		})
		payload = payload[sectionHeaderLen+size:]
	}
	if len(ev.Sections) != nSections {
		return nil, fmt.Errorf("section count mismatch: header says %d, decoded %d",
			nSections, len(ev.Sections))
	}
	return ev, nil
}
