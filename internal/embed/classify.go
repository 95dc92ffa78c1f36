package embed

import (
	"fmt"
	"strings"

	"statusrelay/internal/change"
)

type tone uint8

const (
	toneIssue tone = iota
	toneResolved
	toneChange
	toneHistorical
)

func (p Palette) color(t tone) int {
	switch t {
	case toneIssue:
		return p.Issue
	case toneResolved:
		return p.Resolved
	case toneChange:
		return p.Change
	default:
		return p.Historical
	}
}

type classKey struct {
	tr       change.Transition
	new, old string
}

type classRow struct {
	title string // format: service, event code
	tone  tone
}

var classification = map[classKey]classRow{
	{change.Insert, StatusOpen, ""}:             {"🚨 **NEW %s - %s DETECTED** 🚨", toneIssue},
	{change.Insert, StatusClosed, ""}:           {"📜 **(RESOLVED) %s - %s DETECTED**", toneHistorical},
	{change.Update, StatusOpen, StatusOpen}:     {"⚠️ **%s - %s WAS UPDATED**", toneChange},
	{change.Update, StatusClosed, StatusClosed}: {"📜 **(RESOLVED) %s - %s**", toneHistorical},
	{change.Update, StatusOpen, StatusClosed}:   {"🔥 **%s - %s WAS REOPENED**", toneIssue},
	{change.Update, StatusClosed, StatusOpen}:   {"🎉 **%s - %s WAS RESOLVED**", toneResolved},
}

func init() {
	if err := checkClassification(); err != nil {
		panic(err)
	}
}

// checkClassification fails unless every notifying transition/status pair has a row.
func checkClassification() error {
	statuses := []string{StatusOpen, StatusClosed}
	for _, n := range statuses {
		if _, ok := classification[classKey{change.Insert, n, ""}]; !ok {
			return fmt.Errorf("embed: no classification for %s/%s", change.Insert, n)
		}
		for _, o := range statuses {
			if _, ok := classification[classKey{change.Update, n, o}]; !ok {
				return fmt.Errorf("embed: no classification for %s/%s->%s", change.Update, o, n)
			}
		}
	}
	return nil
}

// Header is the classification result for one change.
type Header struct {
	Title string
	Color int
}

// Classify picks the title and color for a change.
func Classify(ch change.Change, p Palette) (Header, error) {
	newStatus, ok := ch.Fields.NewValue(change.KeyStatusCode)
	if !ok || strings.TrimSpace(newStatus) == "" {
		return Header{}, fmt.Errorf("%w: missing %s", ErrIncompleteRecord, change.KeyStatusCode)
	}
	service, ok := ch.Fields.NewValue(change.KeyService)
	if !ok || strings.TrimSpace(service) == "" {
		return Header{}, fmt.Errorf("%w: missing %s", ErrIncompleteRecord, change.KeyService)
	}
	code, ok := ch.Fields.NewValue(change.KeyEventTypeCode)
	if !ok || strings.TrimSpace(code) == "" {
		return Header{}, fmt.Errorf("%w: missing %s", ErrIncompleteRecord, change.KeyEventTypeCode)
	}

	key := classKey{tr: ch.Transition, new: normStatus(newStatus)}
	if ch.Transition == change.Update {
		oldStatus, ok := ch.Fields.OldValue(change.KeyStatusCode)
		if !ok || strings.TrimSpace(oldStatus) == "" {
			return Header{}, fmt.Errorf("%w: missing previous %s", ErrIncompleteRecord, change.KeyStatusCode)
		}
		key.old = normStatus(oldStatus)
	}

	row, ok := classification[key]
	if !ok {
		return Header{}, fmt.Errorf("%w: %s status=%q previous=%q", ErrUnclassifiableTransition, ch.Transition, key.new, key.old)
	}
	return Header{
		Title: fmt.Sprintf(row.title, service, strings.ReplaceAll(code, "_", " ")),
		Color: p.color(row.tone),
	}, nil
}

func normStatus(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
