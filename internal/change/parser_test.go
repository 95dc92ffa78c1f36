package change

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDiffer struct {
	calls int
}

func (s *stubDiffer) Chunks(old, new string) []string {
	s.calls++
	return []string{"-" + old, "+" + new}
}

func openAttrs() map[string]string {
	return map[string]string{
		KeyARN:               "arn:aws:health:us-east-1::event/EC2/ISSUE/1",
		KeyDescription:       "Elevated errors",
		KeyRegion:            "us-east-1",
		KeyStatusCode:        "open",
		KeyService:           "EC2",
		KeyEventTypeCode:     "AWS_EC2_OPERATIONAL_ISSUE",
		KeyEventTypeCategory: "issue",
		"notTracked":         "x",
	}
}

func TestParseInsert(t *testing.T) {
	d := &stubDiffer{}
	p := NewParser(nil, d)

	ch, err := p.Parse(Record{TransitionType: "INSERT", Key: "ARN#x", NewAttributes: openAttrs()})
	require.NoError(t, err)

	assert.True(t, ch.Notify)
	assert.Equal(t, Insert, ch.Transition)
	assert.Equal(t, "arn:aws:health:us-east-1::event/EC2/ISSUE/1", ch.ID)
	assert.Equal(t, []string{KeyARN, KeyDescription, KeyRegion, KeyStatusCode, KeyService, KeyEventTypeCategory, KeyEventTypeCode}, ch.Fields.Keys())
	for _, fd := range ch.Fields.All() {
		assert.True(t, fd.HasNew)
		assert.False(t, fd.HasOld, fd.Key)
		assert.Empty(t, fd.DiffChunks)
	}
	_, ok := ch.Fields.Get("notTracked")
	assert.False(t, ok)
	assert.Zero(t, d.calls)
}

func TestParseUpdate(t *testing.T) {
	d := &stubDiffer{}
	p := NewParser(nil, d)

	newA := openAttrs()
	newA[KeyStatusCode] = "closed"
	newA[KeyDescription] = "Resolved"
	delete(newA, KeyRegion)
	oldA := openAttrs()

	ch, err := p.Parse(Record{TransitionType: "modify", Key: "ARN#x", NewAttributes: newA, OldAttributes: oldA})
	require.NoError(t, err)
	assert.Equal(t, Update, ch.Transition)

	_, ok := ch.Fields.Get(KeyRegion)
	assert.False(t, ok, "attributes missing from the new snapshot are skipped")

	st, _ := ch.Fields.Get(KeyStatusCode)
	assert.Equal(t, "closed", st.NewValue)
	assert.Equal(t, "open", st.OldValue)
	assert.True(t, st.HasOld)

	desc, _ := ch.Fields.Get(KeyDescription)
	assert.Equal(t, []string{"-Elevated errors", "+Resolved"}, desc.DiffChunks)
	assert.Equal(t, 1, d.calls)
}

func TestParseUpdateUnchangedDescription(t *testing.T) {
	d := &stubDiffer{}
	p := NewParser(nil, d)

	ch, err := p.Parse(Record{TransitionType: "UPDATE", NewAttributes: openAttrs(), OldAttributes: openAttrs()})
	require.NoError(t, err)

	desc, _ := ch.Fields.Get(KeyDescription)
	assert.Empty(t, desc.DiffChunks)
	assert.Zero(t, d.calls)
}

func TestParseUpdateDescriptionAdded(t *testing.T) {
	d := &stubDiffer{}
	oldA := openAttrs()
	delete(oldA, KeyDescription)

	ch, err := NewParser(nil, d).Parse(Record{TransitionType: "MODIFY", NewAttributes: openAttrs(), OldAttributes: oldA})
	require.NoError(t, err)

	desc, _ := ch.Fields.Get(KeyDescription)
	assert.False(t, desc.HasOld)
	assert.Equal(t, []string{"-", "+Elevated errors"}, desc.DiffChunks)
	assert.Equal(t, 1, d.calls)
}

func TestParseRemove(t *testing.T) {
	ch, err := NewParser(nil, nil).Parse(Record{TransitionType: "REMOVE", Key: "ARN#abc"})
	require.NoError(t, err)
	assert.False(t, ch.Notify)
	assert.Equal(t, Remove, ch.Transition)
	assert.Equal(t, "abc", ch.ID)
	assert.Zero(t, ch.Fields.Len())
}

func TestParseIdentifierFallsBackToKey(t *testing.T) {
	attrs := openAttrs()
	delete(attrs, KeyARN)

	ch, err := NewParser(nil, nil).Parse(Record{TransitionType: "INSERT", Key: "ARN#fallback", NewAttributes: attrs})
	require.NoError(t, err)
	v, ok := ch.Fields.NewValue(KeyARN)
	require.True(t, ok)
	assert.Equal(t, "fallback", v)
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
	}{
		{name: "missing transition", rec: Record{NewAttributes: openAttrs()}},
		{name: "unknown transition", rec: Record{TransitionType: "UPSERT", NewAttributes: openAttrs()}},
		{name: "insert without new", rec: Record{TransitionType: "INSERT"}},
		{name: "update without old", rec: Record{TransitionType: "MODIFY", NewAttributes: openAttrs()}},
	}
	p := NewParser(nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse(tt.rec)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRecord))
		})
	}
}

func TestFieldDeltaMapIsReadOnly(t *testing.T) {
	p := NewParser(nil, &stubDiffer{})
	newA := openAttrs()
	newA[KeyDescription] = "changed"
	ch, err := p.Parse(Record{TransitionType: "MODIFY", NewAttributes: newA, OldAttributes: openAttrs()})
	require.NoError(t, err)

	d, _ := ch.Fields.Get(KeyDescription)
	d.DiffChunks[0] = "tampered"
	keys := ch.Fields.Keys()
	keys[0] = "tampered"

	again, _ := ch.Fields.Get(KeyDescription)
	assert.NotEqual(t, "tampered", again.DiffChunks[0])
	assert.Equal(t, KeyARN, ch.Fields.Keys()[0])
}

func TestDecodeRecords(t *testing.T) {
	arr := `[{"transitionType":"INSERT","key":"ARN#a","newAttributes":{"service":"EC2"}}]`
	recs, err := DecodeRecords([]byte(arr))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "EC2", recs[0].NewAttributes["service"])

	env := `{"Records":[{"transitionType":"REMOVE","key":"ARN#a"},{"transitionType":"INSERT","key":"ARN#b"}]}`
	recs, err = DecodeRecords([]byte(env))
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	_, err = DecodeRecords([]byte("{not json"))
	assert.Error(t, err)
}

func TestParseTransition(t *testing.T) {
	for in, want := range map[string]Transition{
		"insert": Insert, "MODIFY": Update, "Update": Update, "remove": Remove, "DELETE": Remove,
	} {
		got, ok := ParseTransition(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseTransition("")
	assert.False(t, ok)
}
