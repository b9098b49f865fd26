package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/conduit/pkg/hl7"
)

func mustParse(t *testing.T, raw string) *hl7.Message {
	t.Helper()
	msg, err := hl7.Parse([]byte(raw))
	require.NoError(t, err)
	return msg
}

const adtA01 = "MSH|^~\\&|PAS|HOSP|EPR|HOSP|20260101010101||ADT^A01|MSG1|P|2.4\rPID|1||12345^^^HOSP^MR||Doe^John"

func TestParseCondition_Empty(t *testing.T) {
	cond, err := ParseCondition("")
	require.NoError(t, err)
	assert.Nil(t, cond)
	assert.True(t, cond.Eval(nil))
}

func TestParseCondition_SimpleEquality(t *testing.T) {
	cond, err := ParseCondition(`{MSH-9.1}="ADT"`)
	require.NoError(t, err)
	require.NotNil(t, cond)
	assert.True(t, cond.Eval(mustParse(t, adtA01)))
}

func TestParseCondition_AndOrIn(t *testing.T) {
	cond, err := ParseCondition(`{MSH-9.1}="ADT" AND {MSH-9.2} IN ("A01","A02","A03")`)
	require.NoError(t, err)
	msg := mustParse(t, adtA01)
	assert.True(t, cond.Eval(msg))

	cond2, err := ParseCondition(`{MSH-9.1}="ORM" OR {MSH-9.2}="A01"`)
	require.NoError(t, err)
	assert.True(t, cond2.Eval(msg))
}

func TestParseCondition_NotAndGrouping(t *testing.T) {
	cond, err := ParseCondition(`NOT ({MSH-9.1}="ORM")`)
	require.NoError(t, err)
	assert.True(t, cond.Eval(mustParse(t, adtA01)))
}

func TestParseCondition_UnknownFieldIsEmpty(t *testing.T) {
	cond, err := ParseCondition(`{ZZZ-1}="anything"`)
	require.NoError(t, err)
	assert.False(t, cond.Eval(mustParse(t, adtA01)))
}

func TestParseCondition_ContainsStartsEnds(t *testing.T) {
	cond, err := ParseCondition(`{PID-5}StartsWith"Doe"`)
	require.NoError(t, err)
	assert.True(t, cond.Eval(mustParse(t, adtA01)))
}

func TestNormalize_IRISVirtualPath(t *testing.T) {
	normalized := Normalize(`HL7.MSH:MessageType.MessageCode="ADT"`)
	assert.Equal(t, `{MSH-9.1}="ADT"`, normalized)
}

func TestParseCondition_MalformedDisablesRule(t *testing.T) {
	_, err := ParseCondition(`{MSH-9.1}=`)
	assert.Error(t, err)
}

func TestParseCondition_NumericComparison(t *testing.T) {
	cond, err := ParseCondition(`{MSH-9.1.5}>=2`)
	require.NoError(t, err)
	// Missing subcomponent resolves to empty string, not numeric, so the
	// fallback lexicographic compare applies; this exercises the path
	// without asserting a specific polarity.
	_ = cond.Eval(mustParse(t, adtA01))
}
