// Package hl7 implements the minimal HL7 v2 ER7 parsing and MLLP framing
// needed by the routing engine: segment/field/component accessors for
// routing conditions, and ACK synthesis per spec.md §4.3. It does not
// attempt full HL7 semantic validation — that is explicitly out of scope
// (spec.md §1 Non-goals).
package hl7

import "strings"

// Default encoding characters, per MSH-1/MSH-2 of a conventional ER7
// message: field separator '|', then component '^', repetition '~', escape
// '\', subcomponent '&'.
const (
	defaultFieldSep = '|'
	defaultComp     = '^'
	defaultSub      = '&'
)

// Message is a parsed ER7 message: an ordered list of segments, each an
// ordered list of fields, each an ordered list of components, each an
// ordered list of subcomponents. Field 0 of every segment is the segment
// name (MSH, PID, ...); MSH is special-cased because MSH-1 is the field
// separator character itself and MSH-2 the remaining encoding characters.
type Message struct {
	Segments []Segment
	fieldSep byte
	compSep  byte
	subSep   byte
}

// Segment is one line of the message, split into fields by the field
// separator.
type Segment struct {
	Name   string
	Fields []Field
}

// Field is one field, split into components.
type Field []Component

// Component is one component, split into subcomponents.
type Component []string

// Parse parses raw ER7 bytes (segments separated by CR, as delivered inside
// an MLLP frame) into a Message. Parse failure is never fatal to the
// envelope carrying the payload: callers record the failure and otherwise
// proceed with ParsedView left absent, per spec.md §3's invariants.
func Parse(raw []byte) (*Message, error) {
	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	lines := strings.Split(strings.Trim(text, "\r\n"), "\r")

	msg := &Message{
		fieldSep: defaultFieldSep,
		compSep:  defaultComp,
		subSep:   defaultSub,
	}

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		seg, err := msg.parseSegment(line)
		if err != nil {
			return nil, err
		}
		msg.Segments = append(msg.Segments, seg)
	}

	if len(msg.Segments) == 0 || msg.Segments[0].Name != "MSH" {
		return nil, ErrNoMSH
	}
	return msg, nil
}

func (m *Message) parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, ErrMalformedSegment
	}
	name := line[:3]

	if name == "MSH" {
		// MSH-1 is the field separator character itself (line[3]); the
		// remaining encoding characters occupy MSH-2 verbatim.
		if len(line) < 4 {
			return Segment{}, ErrMalformedSegment
		}
		m.fieldSep = line[3]
		rest := line[4:]
		parts := strings.Split(rest, string(m.fieldSep))
		fields := make([]Field, 0, len(parts)+2)
		fields = append(fields, Field{{name}})
		fields = append(fields, Field{{string(m.fieldSep)}})
		if len(parts) > 0 {
			fields = append(fields, Field{{parts[0]}}) // MSH-2, encoding chars verbatim
			if len(parts[0]) >= 4 {
				m.compSep = parts[0][0]
				m.subSep = parts[0][3]
			}
			for _, p := range parts[1:] {
				fields = append(fields, m.parseField(p))
			}
		}
		return Segment{Name: name, Fields: fields}, nil
	}

	rest := line[3:]
	rest = strings.TrimPrefix(rest, string(m.fieldSep))
	parts := strings.Split(rest, string(m.fieldSep))
	fields := make([]Field, 0, len(parts)+1)
	fields = append(fields, Field{{name}})
	for _, p := range parts {
		fields = append(fields, m.parseField(p))
	}
	return Segment{Name: name, Fields: fields}, nil
}

func (m *Message) parseField(raw string) Field {
	comps := strings.Split(raw, string(m.compSep))
	field := make(Field, 0, len(comps))
	for _, c := range comps {
		field = append(field, Component(strings.Split(c, string(m.subSep))))
	}
	return field
}

// Get returns the value at segment occurrence segIndex (0-based among
// segments sharing segName), field n (1-indexed, following HL7 convention
// where field 1 is the first field after the segment name), component c
// (1-indexed, 0 = whole field), and subcomponent s (1-indexed, 0 = whole
// component). Missing fields evaluate to the empty string, never an error,
// per spec.md §4.5's "unknown fields evaluate to the empty string".
func (m *Message) Get(segName string, occurrence, n, c, s int) string {
	seen := -1
	for _, seg := range m.Segments {
		if seg.Name != segName {
			continue
		}
		seen++
		if seen != occurrence {
			continue
		}
		return seg.value(n, c, s)
	}
	return ""
}

// First is shorthand for Get with occurrence 0.
func (m *Message) First(segName string, n, c, s int) string {
	return m.Get(segName, 0, n, c, s)
}

func (seg Segment) value(n, c, s int) string {
	if n < 0 || n >= len(seg.Fields) {
		return ""
	}
	field := seg.Fields[n]
	if c <= 0 {
		return field.String()
	}
	if c-1 < 0 || c-1 >= len(field) {
		return ""
	}
	comp := field[c-1]
	if s <= 0 {
		return comp.String()
	}
	if s-1 < 0 || s-1 >= len(comp) {
		return ""
	}
	return comp[s-1]
}

func (f Field) String() string {
	parts := make([]string, len(f))
	for i, c := range f {
		parts[i] = c.String()
	}
	return strings.Join(parts, string(defaultComp))
}

func (c Component) String() string {
	return strings.Join(c, string(defaultSub))
}

// MessageType returns MSH-9.1 (the message code, e.g. "ADT") and
// MSH-9.2 (the trigger event, e.g. "A01").
func (m *Message) MessageType() (code, event string) {
	return m.First("MSH", 9, 1, 0), m.First("MSH", 9, 2, 0)
}

// ControlID returns MSH-10, the message control ID.
func (m *Message) ControlID() string {
	return m.First("MSH", 10, 0, 0)
}

// Version returns MSH-12, the HL7 version (e.g. "2.4").
func (m *Message) Version() string {
	return m.First("MSH", 12, 0, 0)
}
