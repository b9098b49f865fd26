// Package router implements the content-based router described in
// spec.md §4.5: a condition grammar over HL7 field accessors, an all-match
// rule evaluator, and the RouterHost that wires both into the host
// lifecycle from pkg/host.
package router

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/carepath/conduit/pkg/hl7"
)

// conditionLexer tokenizes routing conditions: field accessors (`{MSH-9.1}`
// and normalized IRIS virtual paths), string/numeric literals, comparison
// operators, and the AND/OR/NOT/IN keywords, per spec.md §4.5.
var conditionLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Field", Pattern: `\{[^}]+\}`},
	{Name: "String", Pattern: `"(\\.|[^"\\])*"`},
	{Name: "Number", Pattern: `[0-9]+(\.[0-9]+)?`},
	{Name: "Op", Pattern: `!=|<=|>=|=|<|>`},
	{Name: "Punct", Pattern: `[(),]`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_.:]*`},
	{Name: "Whitespace", Pattern: `\s+`},
})

// Condition is the parsed root of one RoutingRule.Condition expression.
type Condition struct {
	Or *OrExpr `@@`
}

// OrExpr is a left-associative chain of AndExpr joined by OR.
type OrExpr struct {
	Left  *AndExpr   `@@`
	Right []*AndExpr `("OR" @@)*`
}

// AndExpr is a left-associative chain of Unary joined by AND.
type AndExpr struct {
	Left  *Unary   `@@`
	Right []*Unary `("AND" @@)*`
}

// Unary is an optionally-negated Comparison, or a parenthesized sub-Condition.
type Unary struct {
	Not        bool        `@"NOT"?`
	Group      *Condition  `(  "(" @@ ")"`
	Comparison *Comparison `  | @@ )`
}

// Comparison is one leaf comparison: `operand OP operand` or
// `operand IN (operand, ...)`.
type Comparison struct {
	Left  *Operand   `@@`
	Op    *string    `(   @("="|"!="|"<="|">="|"<"|">"|"Contains"|"StartsWith"|"EndsWith")`
	Right *Operand   `    @@`
	In    []*Operand ` | "IN" "(" (@@ ("," @@)*)? ")" )`
}

// Operand is a field accessor or a literal.
type Operand struct {
	Field  *string `  @Field`
	String *string `| @String`
	Number *string `| @Number`
	Bare   *string `| @Ident`
}

var conditionParser = participle.MustBuild[Condition](
	participle.Lexer(conditionLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
	participle.CaseInsensitive("Ident"),
	participle.UseLookahead(2),
)

// irisTranslationTable is the fixed lookup spec.md §4.5 requires for
// normalizing IRIS-style virtual paths to native `{SEG-N.C}` accessors.
// Extending it to a new virtual path is a documentation change, not a
// grammar change.
var irisTranslationTable = map[string]string{
	"HL7.MSH:MessageType.MessageCode":   "{MSH-9.1}",
	"HL7.MSH:MessageType.TriggerEvent":  "{MSH-9.2}",
	"HL7.MSH:SendingApplication":        "{MSH-3}",
	"HL7.MSH:SendingFacility":           "{MSH-4}",
	"HL7.MSH:ReceivingApplication":      "{MSH-5}",
	"HL7.MSH:ReceivingFacility":         "{MSH-6}",
	"HL7.MSH:MessageControlID":          "{MSH-10}",
	"HL7.MSH:VersionID":                 "{MSH-12}",
	"HL7.PID:PatientID":                 "{PID-3.1}",
	"HL7.PID:PatientName":               "{PID-5}",
	"HL7.PV1:PatientClass":              "{PV1-2}",
	"HL7.PV1:AssignedPatientLocation":   "{PV1-3}",
}

// Normalize rewrites every recognized IRIS virtual path in expr to its
// native field-accessor form. Unrecognized identifiers are left untouched
// for the grammar to parse as bare identifiers (which evaluate to the
// field's own text if later matched, or fail parse otherwise).
func Normalize(expr string) string {
	for virtual, native := range irisTranslationTable {
		expr = strings.ReplaceAll(expr, virtual, native)
	}
	return expr
}

// ParseCondition normalizes and parses a routing condition string. An empty
// string means "always true" per spec.md §3 and is represented by a nil
// *Condition. Parse failure disables the owning rule at load time, per
// spec.md §4.5.
func ParseCondition(expr string) (*Condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	cond, err := conditionParser.ParseString("", Normalize(expr))
	if err != nil {
		return nil, fmt.Errorf("router: condition parse failed: %w", err)
	}
	return cond, nil
}

// fieldAccessor is a parsed `{SEG-N}` / `{SEG-N.C}` / `{SEG-N.C.S}` accessor.
type fieldAccessor struct {
	Segment      string
	Field        int
	Component    int
	Subcomponent int
}

func parseFieldAccessor(raw string) (fieldAccessor, error) {
	inner := strings.TrimSuffix(strings.TrimPrefix(raw, "{"), "}")
	dash := strings.IndexByte(inner, '-')
	if dash < 0 {
		return fieldAccessor{}, fmt.Errorf("router: malformed field accessor %q", raw)
	}
	seg := inner[:dash]
	rest := strings.Split(inner[dash+1:], ".")

	acc := fieldAccessor{Segment: seg}
	n, err := strconv.Atoi(rest[0])
	if err != nil {
		return fieldAccessor{}, fmt.Errorf("router: malformed field number in %q: %w", raw, err)
	}
	acc.Field = n
	if len(rest) > 1 {
		c, err := strconv.Atoi(rest[1])
		if err != nil {
			return fieldAccessor{}, fmt.Errorf("router: malformed component in %q: %w", raw, err)
		}
		acc.Component = c
	}
	if len(rest) > 2 {
		s, err := strconv.Atoi(rest[2])
		if err != nil {
			return fieldAccessor{}, fmt.Errorf("router: malformed subcomponent in %q: %w", raw, err)
		}
		acc.Subcomponent = s
	}
	return acc, nil
}

// resolve returns the operand's value against msg: a field accessor looks
// up the parsed message (empty string if msg is nil or the field is
// absent, per spec.md's "unknown fields evaluate to the empty string"),
// string and numeric literals return their own text, and a bare identifier
// is treated as a literal string (the normalization pass should have
// already turned any valid virtual path into a Field token).
func (o *Operand) resolve(msg *hl7.Message) string {
	switch {
	case o.Field != nil:
		acc, err := parseFieldAccessor(*o.Field)
		if err != nil || msg == nil {
			return ""
		}
		return msg.First(acc.Segment, acc.Field, acc.Component, acc.Subcomponent)
	case o.String != nil:
		return *o.String
	case o.Number != nil:
		return *o.Number
	case o.Bare != nil:
		return *o.Bare
	default:
		return ""
	}
}

// Eval evaluates the condition against msg. msg may be nil (unparsed
// envelope): every field accessor then resolves to the empty string, so
// conditions referencing HL7 fields on non-HL7 messages simply don't
// match, per spec.md §9's design note. A nil *Condition (empty string at
// load time) always evaluates true.
func (c *Condition) Eval(msg *hl7.Message) bool {
	if c == nil {
		return true
	}
	return c.Or.eval(msg)
}

func (e *OrExpr) eval(msg *hl7.Message) bool {
	result := e.Left.eval(msg)
	for _, r := range e.Right {
		result = result || r.eval(msg)
	}
	return result
}

func (e *AndExpr) eval(msg *hl7.Message) bool {
	result := e.Left.eval(msg)
	for _, r := range e.Right {
		result = result && r.eval(msg)
	}
	return result
}

func (u *Unary) eval(msg *hl7.Message) bool {
	var result bool
	switch {
	case u.Group != nil:
		result = u.Group.Eval(msg)
	case u.Comparison != nil:
		result = u.Comparison.eval(msg)
	}
	if u.Not {
		return !result
	}
	return result
}

func (c *Comparison) eval(msg *hl7.Message) bool {
	left := c.Left.resolve(msg)

	if c.In != nil {
		for _, operand := range c.In {
			if left == operand.resolve(msg) {
				return true
			}
		}
		return false
	}

	if c.Op == nil || c.Right == nil {
		return false
	}
	right := c.Right.resolve(msg)

	switch strings.ToUpper(*c.Op) {
	case "=":
		return left == right
	case "!=":
		return left != right
	case "CONTAINS":
		return right != "" && strings.Contains(left, right)
	case "STARTSWITH":
		return right != "" && strings.HasPrefix(left, right)
	case "ENDSWITH":
		return right != "" && strings.HasSuffix(left, right)
	case "<", ">", "<=", ">=":
		return compareOrdered(left, right, *c.Op)
	default:
		return false
	}
}

// compareOrdered compares two operand values numerically when both parse
// as numbers, falling back to lexicographic string comparison otherwise.
func compareOrdered(left, right, op string) bool {
	lf, lerr := strconv.ParseFloat(left, 64)
	rf, rerr := strconv.ParseFloat(right, 64)
	if lerr == nil && rerr == nil {
		switch op {
		case "<":
			return lf < rf
		case ">":
			return lf > rf
		case "<=":
			return lf <= rf
		case ">=":
			return lf >= rf
		}
	}
	switch op {
	case "<":
		return left < right
	case ">":
		return left > right
	case "<=":
		return left <= right
	case ">=":
		return left >= right
	}
	return false
}
