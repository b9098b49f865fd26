package hl7

import (
	"fmt"
	"strings"
	"time"
)

// AckCode is the MSA-1 acknowledgment code.
type AckCode string

const (
	AckApplicationAccept AckCode = "AA"
	AckApplicationError  AckCode = "AE"
	AckApplicationReject AckCode = "AR"
)

// BuildAck synthesizes an MSH/MSA-only ACK for an inbound message, per
// spec.md §4.3: sending/receiving application and facility are swapped from
// the inbound MSH, MSA-2 carries the inbound control ID, and MSA-1 carries
// code.
func BuildAck(inbound *Message, code AckCode, now time.Time) []byte {
	sendingApp := inbound.First("MSH", 3, 0, 0)
	sendingFac := inbound.First("MSH", 4, 0, 0)
	receivingApp := inbound.First("MSH", 5, 0, 0)
	receivingFac := inbound.First("MSH", 6, 0, 0)
	version := inbound.Version()
	if version == "" {
		version = "2.4"
	}
	controlID := inbound.ControlID()

	ackControlID := fmt.Sprintf("ACK%s", controlID)
	ts := now.Format("20060102150405")

	var b strings.Builder
	b.WriteString("MSH|^~\\&|")
	b.WriteString(receivingApp)
	b.WriteByte('|')
	b.WriteString(receivingFac)
	b.WriteByte('|')
	b.WriteString(sendingApp)
	b.WriteByte('|')
	b.WriteString(sendingFac)
	b.WriteByte('|')
	b.WriteString(ts)
	b.WriteString("||ACK|")
	b.WriteString(ackControlID)
	b.WriteString("|P|")
	b.WriteString(version)
	b.WriteString("\rMSA|")
	b.WriteString(string(code))
	b.WriteByte('|')
	b.WriteString(controlID)
	b.WriteString("\r")
	return []byte(b.String())
}

// ParseAck extracts the MSA-1 code and MSA-2 control ID from a received
// ACK. A missing or unparseable MSA segment is reported as an error; the
// outbound adapter treats that the same as a malformed remote reply.
func ParseAck(raw []byte) (code AckCode, controlID string, err error) {
	msg, perr := Parse(raw)
	if perr != nil {
		return "", "", perr
	}
	for _, seg := range msg.Segments {
		if seg.Name == "MSA" {
			return AckCode(seg.value(1, 0, 0)), seg.value(2, 0, 0), nil
		}
	}
	return "", "", ErrNoMSA
}
