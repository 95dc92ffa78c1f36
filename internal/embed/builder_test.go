package embed

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusrelay/internal/change"
	"statusrelay/internal/descdiff"
	"statusrelay/pkg/textwrap"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBuilder() *Builder {
	cfg := DefaultConfig()
	cfg.Now = func() time.Time { return fixedNow }
	return NewBuilder(cfg)
}

func attrs(status string) map[string]string {
	return map[string]string{
		change.KeyARN:             "arn:aws:health:us-east-1::event/EC2/AWS_EC2_OPERATIONAL_ISSUE/1",
		change.KeyDescription:     "Increased API error rates",
		change.KeyRegion:          "us-east-1",
		change.KeyStatusCode:      status,
		change.KeyService:         "EC2",
		change.KeyEventTypeCode:   "AWS_EC2_OPERATIONAL_ISSUE",
		change.KeyStartTime:       "2024-03-01T10:00:00Z",
		change.KeyLastUpdatedTime: "2024-03-01 11:30:00+00:00",
	}
}

func parse(t *testing.T, rec change.Record) change.Change {
	t.Helper()
	ch, err := change.NewParser(nil, descdiff.Differ{}).Parse(rec)
	require.NoError(t, err)
	return ch
}

func TestBuildInsertOpen(t *testing.T) {
	ch := parse(t, change.Record{TransitionType: "INSERT", NewAttributes: attrs("open")})

	got, err := newTestBuilder().Build(ch)
	require.NoError(t, err)
	require.Len(t, got, 1)

	p := got[0]
	assert.Equal(t, "🚨 **NEW EC2 - AWS EC2 OPERATIONAL ISSUE DETECTED** 🚨", p.Title)
	assert.Equal(t, 16711680, p.Color)
	assert.Equal(t,
		"**DESCRIPTION:** Increased API error rates\n\n**REGION:** us-east-1\n\n**SERVICE:** EC2\n\n",
		p.Description)
	assert.Equal(t, []Field{
		{Name: "Start Time", Value: "<t:1709287200:F>", Inline: true},
		{Name: "Last Updated", Value: "<t:1709292600:R>", Inline: true},
		{Name: "Region", Value: "us-east-1", Inline: true},
	}, p.Fields)
	require.NotNil(t, p.Footer)
	assert.Equal(t, DefaultFooterText, p.Footer.Text)
	assert.Equal(t, "2024-03-01T12:00:00Z", p.Timestamp)
}

func TestBuildUpdateResolved(t *testing.T) {
	newA := attrs("closed")
	newA[change.KeyEndTime] = "2024-03-01T12:00:00Z"
	ch := parse(t, change.Record{TransitionType: "MODIFY", NewAttributes: newA, OldAttributes: attrs("open")})

	got, err := newTestBuilder().Build(ch)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "🎉 **EC2 - AWS EC2 OPERATIONAL ISSUE WAS RESOLVED**", got[0].Title)
	assert.Equal(t, 65280, got[0].Color)
	assert.Empty(t, got[0].Description, "nothing visible changed")
	require.Len(t, got[0].Fields, 4)
	assert.Equal(t, "End Time", got[0].Fields[1].Name)
}

func TestBuildUpdateDescriptionDiff(t *testing.T) {
	oldA := attrs("open")
	oldA[change.KeyDescription] = "A\n\nB"
	newA := attrs("open")
	newA[change.KeyDescription] = "A\n\nC"
	newA[change.KeyRegion] = "us-west-2"
	ch := parse(t, change.Record{TransitionType: "MODIFY", NewAttributes: newA, OldAttributes: oldA})

	got, err := newTestBuilder().Build(ch)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 16760576, got[0].Color)
	assert.Equal(t,
		"**DESCRIPTION CHANGED:**\n"+
			"```diff\n- B\n```"+
			"```diff\n+ C\n```"+
			"\n"+
			"**REGION CHANGED**\n**Updated value:**\n```diff\n+ us-west-2\n```**Previous value:**\n```diff\n- us-east-1\n```\n",
		got[0].Description)
}

func TestBuildUpdateMissingOldValueRendersNA(t *testing.T) {
	oldA := attrs("open")
	delete(oldA, change.KeyRegion)
	ch := parse(t, change.Record{TransitionType: "MODIFY", NewAttributes: attrs("open"), OldAttributes: oldA})

	got, err := newTestBuilder().Build(ch)
	require.NoError(t, err)
	assert.Contains(t, got[0].Description, "- N/A\n")
}

func TestClassificationTable(t *testing.T) {
	tests := []struct {
		tr       string
		new, old string
		title    string
		color    int
	}{
		{"INSERT", "open", "", "🚨 **NEW EC2 - AWS EC2 OPERATIONAL ISSUE DETECTED** 🚨", 16711680},
		{"INSERT", "closed", "", "📜 **(RESOLVED) EC2 - AWS EC2 OPERATIONAL ISSUE DETECTED**", 38655},
		{"MODIFY", "open", "open", "⚠️ **EC2 - AWS EC2 OPERATIONAL ISSUE WAS UPDATED**", 16760576},
		{"MODIFY", "closed", "closed", "📜 **(RESOLVED) EC2 - AWS EC2 OPERATIONAL ISSUE**", 38655},
		{"MODIFY", "open", "closed", "🔥 **EC2 - AWS EC2 OPERATIONAL ISSUE WAS REOPENED**", 16711680},
		{"MODIFY", "closed", "open", "🎉 **EC2 - AWS EC2 OPERATIONAL ISSUE WAS RESOLVED**", 65280},
	}
	require.NoError(t, checkClassification())
	for _, tt := range tests {
		t.Run(tt.tr+"/"+tt.old+"->"+tt.new, func(t *testing.T) {
			rec := change.Record{TransitionType: tt.tr, NewAttributes: attrs(tt.new)}
			if tt.old != "" {
				rec.OldAttributes = attrs(tt.old)
			}
			hdr, err := Classify(parse(t, rec), DefaultPalette())
			require.NoError(t, err)
			assert.Equal(t, tt.title, hdr.Title)
			assert.Equal(t, tt.color, hdr.Color)
		})
	}
}

func TestClassifyFailures(t *testing.T) {
	noService := attrs("open")
	delete(noService, change.KeyService)
	_, err := newTestBuilder().Build(parse(t, change.Record{TransitionType: "INSERT", NewAttributes: noService}))
	assert.True(t, errors.Is(err, ErrIncompleteRecord), "%v", err)

	oldNoStatus := attrs("open")
	delete(oldNoStatus, change.KeyStatusCode)
	_, err = newTestBuilder().Build(parse(t, change.Record{TransitionType: "MODIFY", NewAttributes: attrs("open"), OldAttributes: oldNoStatus}))
	assert.True(t, errors.Is(err, ErrIncompleteRecord), "%v", err)

	_, err = newTestBuilder().Build(parse(t, change.Record{TransitionType: "INSERT", NewAttributes: attrs("upcoming")}))
	assert.True(t, errors.Is(err, ErrUnclassifiableTransition), "%v", err)
}

func TestBuildRemoveYieldsNothing(t *testing.T) {
	got, err := newTestBuilder().Build(parse(t, change.Record{TransitionType: "REMOVE", Key: "ARN#x"}))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBuildSplitsLongBodies(t *testing.T) {
	para := func(word string) string {
		return strings.TrimSpace(strings.Repeat(word+" ", 150))
	}
	var oldParts, newParts []string
	for _, w := range []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"} {
		oldParts = append(oldParts, para(w))
		newParts = append(newParts, para(w+"x"))
	}
	oldA := attrs("open")
	oldA[change.KeyDescription] = strings.Join(oldParts, "\n\n")
	newA := attrs("closed")
	newA[change.KeyDescription] = strings.Join(newParts, "\n\n")
	ch := parse(t, change.Record{TransitionType: "MODIFY", NewAttributes: newA, OldAttributes: oldA})

	desc, _ := ch.Fields.Get(change.KeyDescription)
	got, err := newTestBuilder().Build(ch)
	require.NoError(t, err)
	require.Greater(t, len(got), 1)

	for i, p := range got {
		assert.LessOrEqual(t, textwrap.Len(p.Description), DefaultBodyBudget)
		assert.Equal(t, i == 0, p.Title != "", "title only on first payload")
		last := i == len(got)-1
		assert.Equal(t, last, p.Footer != nil, "footer only on last payload")
		assert.Equal(t, last, p.Timestamp != "", "timestamp only on last payload")
		assert.Equal(t, last, len(p.Fields) > 0, "fields only on last payload")
	}

	// No diff chunk is split across payloads.
	for _, c := range desc.DiffChunks {
		found := false
		for _, p := range got {
			if strings.Contains(p.Description, c) {
				found = true
				break
			}
		}
		assert.True(t, found)
	}
}

func TestPackOversizeBlock(t *testing.T) {
	big := strings.TrimSpace(strings.Repeat("word ", 1000))
	bodies := Pack([]string{"head\n", big, "tail"}, 3000)
	require.Len(t, bodies, 4)
	for _, b := range bodies {
		assert.LessOrEqual(t, textwrap.Len(b), 3000)
	}
	assert.Equal(t, "head\n", bodies[0])
	assert.True(t, strings.HasPrefix(bodies[1], "word"))
	assert.True(t, strings.HasSuffix(bodies[2], "word"))
	assert.Equal(t, "tail", bodies[3], "the next block starts its own body")

	// Every word survives the split intact.
	var words int
	for _, b := range bodies[1:3] {
		for _, w := range strings.Fields(b) {
			assert.Equal(t, "word", w)
			words++
		}
	}
	assert.Equal(t, 1000, words)
}

func TestBuildInsertLongDescriptionKeepsLabelsApart(t *testing.T) {
	a := attrs("open")
	a[change.KeyDescription] = strings.Repeat("lorem ipsum ", 290) + "end"
	got, err := newTestBuilder().Build(parse(t, change.Record{TransitionType: "INSERT", NewAttributes: a}))
	require.NoError(t, err)
	require.Len(t, got, 3)

	glued := regexp.MustCompile(`[a-z]\*\*[A-Z]`)
	for i, p := range got {
		assert.False(t, glued.MatchString(p.Description), "payload %d: %q", i, p.Description)
		assert.NotContains(t, p.Description, "ipsumlorem")
	}
	assert.True(t, strings.HasSuffix(got[1].Description, "end"))
	assert.Equal(t, "**REGION:** us-east-1\n\n**SERVICE:** EC2\n\n", got[2].Description)
}

func TestBuildUpdateDescriptionAdded(t *testing.T) {
	oldA := attrs("open")
	delete(oldA, change.KeyDescription)
	newA := attrs("open")
	newA[change.KeyLastUpdatedTime] = "2024-03-01T11:45:00Z"

	got, err := newTestBuilder().Build(parse(t, change.Record{TransitionType: "MODIFY", NewAttributes: newA, OldAttributes: oldA}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "**DESCRIPTION CHANGED:**\n```diff\n+ Increased API error rates\n```\n", got[0].Description)
}

func TestPackNoBlocks(t *testing.T) {
	assert.Empty(t, Pack(nil, 3000))
}

func TestPayloadJSON(t *testing.T) {
	ch := parse(t, change.Record{TransitionType: "INSERT", NewAttributes: attrs("open")})
	got, err := newTestBuilder().Build(ch)
	require.NoError(t, err)

	raw, err := json.Marshal(got[0])
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, k := range []string{"title", "description", "color", "fields", "footer", "timestamp"} {
		assert.Contains(t, m, k)
	}
	footer := m["footer"].(map[string]any)
	assert.Equal(t, DefaultFooterIcon, footer["icon_url"])
}
