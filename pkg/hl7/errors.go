package hl7

import "errors"

var (
	// ErrNoMSH is returned by Parse when the message has no leading MSH
	// segment — a structurally malformed message (spec.md §4.3's "AR").
	ErrNoMSH = errors.New("hl7: message has no MSH segment")
	// ErrMalformedSegment is returned when a segment line is too short to
	// contain a name and, for MSH, the field separator character.
	ErrMalformedSegment = errors.New("hl7: malformed segment")
	// ErrNoMSA is returned by ParseAck when the reply has no MSA segment.
	ErrNoMSA = errors.New("hl7: ack has no MSA segment")
)
