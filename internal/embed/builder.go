package embed

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"statusrelay/internal/change"
	"statusrelay/pkg/textwrap"
)

// Builder renders changes into embed payloads.
type Builder struct {
	cfg Config
}

func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg.withDefaults()}
}

// Build renders a change into one or more payloads, in delivery order.
// Changes that do not notify yield no payloads.
func (b *Builder) Build(ch change.Change) ([]Payload, error) {
	if !ch.Notify {
		return nil, nil
	}
	hdr, err := Classify(ch, b.cfg.Palette)
	if err != nil {
		return nil, err
	}

	bodies := Pack(Blocks(ch), b.cfg.BodyBudget)
	if len(bodies) == 0 {
		bodies = []string{""}
	}

	out := make([]Payload, len(bodies))
	for i, body := range bodies {
		out[i] = Payload{Color: hdr.Color, Description: body}
	}
	out[0].Title = hdr.Title

	last := &out[len(out)-1]
	last.Fields = b.fields(ch.Fields)
	footer := b.cfg.Footer
	last.Footer = &footer
	last.Timestamp = b.cfg.Now().UTC().Format(time.RFC3339)
	return out, nil
}

// Blocks returns the body content blocks of a change, in render order.
func Blocks(ch change.Change) []string {
	var blocks []string
	switch ch.Transition {
	case change.Insert:
		for _, d := range ch.Fields.All() {
			if !d.Visibility.Has(change.InsertVisible) || !d.HasNew {
				continue
			}
			blocks = append(blocks, fmt.Sprintf("**%s:** %s\n\n", strings.ToUpper(d.DisplayName), d.NewValue))
		}
	case change.Update:
		if desc, ok := ch.Fields.Get(change.KeyDescription); ok && len(desc.DiffChunks) > 0 {
			blocks = append(blocks, "**DESCRIPTION CHANGED:**\n")
			blocks = append(blocks, desc.DiffChunks...)
			blocks = append(blocks, "\n")
		}
		for _, d := range ch.Fields.All() {
			if d.Key == change.KeyDescription || !d.Visibility.Has(change.ModifyVisible) || !d.Changed() {
				continue
			}
			old := d.OldValue
			if !d.HasOld {
				old = "N/A"
			}
			blocks = append(blocks, fmt.Sprintf(
				"**%s CHANGED**\n**Updated value:**\n```diff\n+ %s\n```**Previous value:**\n```diff\n- %s\n```\n",
				strings.ToUpper(d.DisplayName), d.NewValue, old))
		}
	}
	return blocks
}

// Pack groups blocks into bodies of at most budget runes without splitting a block,
// except that a block larger than the budget on its own is first chunked at whitespace.
// Each piece of a chunked block closes its body, since chunking drops the
// whitespace at the breaks.
func Pack(blocks []string, budget int) []string {
	var (
		bodies []string
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if curLen > 0 {
			bodies = append(bodies, cur.String())
			cur.Reset()
			curLen = 0
		}
	}
	add := func(block string) {
		n := textwrap.Len(block)
		if curLen > 0 && curLen+n > budget {
			flush()
		}
		cur.WriteString(block)
		curLen += n
	}

	for _, block := range blocks {
		if block == "" {
			continue
		}
		if textwrap.Len(block) <= budget {
			add(block)
			continue
		}
		for piece := range textwrap.Chunks(block, budget) {
			add(piece)
			flush()
		}
	}
	flush()
	return bodies
}

func (b *Builder) fields(m change.FieldDeltaMap) []Field {
	out := make([]Field, 0, len(b.cfg.FieldKeys))
	for _, key := range b.cfg.FieldKeys {
		d, ok := m.Get(key)
		if !ok || !d.HasNew {
			continue
		}
		name := d.DisplayName
		if name == "" {
			name = key
		}
		value := d.NewValue
		if ts, ok := parseTimestamp(value); ok {
			style := "F"
			if slices.Contains(b.cfg.RelativeTimeKeys, key) {
				style = "R"
			}
			value = fmt.Sprintf("<t:%d:%s>", ts.Unix(), style)
		}
		out = append(out, Field{Name: name, Value: value, Inline: true})
	}
	return out
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// parseTimestamp accepts ISO-8601 forms; values without a zone are read as UTC.
func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
