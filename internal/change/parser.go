package change

import (
	"fmt"
	"strings"
)

// KeyPrefix is prepended to the arn to form the snapshot key.
const KeyPrefix = "ARN#"

// DescriptionDiffer renders the description delta as pre-formatted chunks.
type DescriptionDiffer interface {
	Chunks(old, new string) []string
}

// Parser turns records into field deltas. It performs no I/O.
type Parser struct {
	fields []Field
	differ DescriptionDiffer
}

// NewParser builds a parser over the given tracked field table.
// A nil table means DefaultFields; a nil differ disables description diffs.
func NewParser(fields []Field, differ DescriptionDiffer) *Parser {
	if fields == nil {
		fields = DefaultFields()
	}
	return &Parser{fields: append([]Field(nil), fields...), differ: differ}
}

// Fields returns a copy of the tracked field table.
func (p *Parser) Fields() []Field { return append([]Field(nil), p.fields...) }

// Parse builds the delta map for one record.
// Remove records yield a Change with Notify=false and no error.
func (p *Parser) Parse(rec Record) (Change, error) {
	if strings.TrimSpace(rec.TransitionType) == "" {
		return Change{}, fmt.Errorf("%w: missing transitionType (key=%q)", ErrMalformedRecord, rec.Key)
	}
	tr, ok := ParseTransition(rec.TransitionType)
	if !ok {
		return Change{}, fmt.Errorf("%w: unknown transitionType %q (key=%q)", ErrMalformedRecord, rec.TransitionType, rec.Key)
	}

	ch := Change{Transition: tr, Key: rec.Key, ID: identifier(rec)}
	if tr == Remove {
		return ch, nil
	}
	if len(rec.NewAttributes) == 0 {
		return Change{}, fmt.Errorf("%w: %s without new attributes (key=%q)", ErrMalformedRecord, tr, rec.Key)
	}
	if tr == Update && len(rec.OldAttributes) == 0 {
		return Change{}, fmt.Errorf("%w: %s without old attributes (key=%q)", ErrMalformedRecord, tr, rec.Key)
	}

	deltas := make([]FieldDelta, 0, len(p.fields))
	for _, f := range p.fields {
		nv, has := rec.NewAttributes[f.Key]
		if f.Key == KeyARN && !has && ch.ID != "" {
			nv, has = ch.ID, true
		}
		if !has {
			continue
		}
		d := FieldDelta{
			Key:         f.Key,
			DisplayName: f.DisplayName,
			Visibility:  f.Visibility,
			NewValue:    nv,
			HasNew:      true,
		}
		if tr == Update {
			d.OldValue, d.HasOld = rec.OldAttributes[f.Key]
			// A description missing from the old snapshot diffs as empty.
			if f.Key == KeyDescription && d.OldValue != d.NewValue && p.differ != nil {
				d.DiffChunks = p.differ.Chunks(d.OldValue, d.NewValue)
			}
		}
		deltas = append(deltas, d)
	}

	ch.Fields = newFieldDeltaMap(deltas)
	ch.Notify = true
	return ch, nil
}

func identifier(rec Record) string {
	if arn := strings.TrimSpace(rec.NewAttributes[KeyARN]); arn != "" {
		return arn
	}
	if arn := strings.TrimSpace(rec.OldAttributes[KeyARN]); arn != "" {
		return arn
	}
	return strings.TrimPrefix(rec.Key, KeyPrefix)
}
