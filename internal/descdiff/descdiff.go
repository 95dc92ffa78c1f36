// Package descdiff renders a paragraph-level diff of two free-text descriptions
// as a sequence of fenced "diff" blocks small enough for one embed description line.
package descdiff

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"statusrelay/pkg/textwrap"
)

const (
	// ParagraphSep splits a description into paragraphs.
	ParagraphSep = "\n\n"
	// ChunkBudget is the chunker limit for one paragraph slice.
	ChunkBudget = 990

	fenceOpen  = "```diff\n"
	fenceClose = "\n```"

	// MaxChunkLen bounds a wrapped chunk: budget, "<marker> " prefix and fence.
	MaxChunkLen = ChunkBudget + 2 + len(fenceOpen) + len(fenceClose)
)

// Op tags a DiffLine.
type Op uint8

const (
	Unchanged Op = iota
	Added
	Removed
)

// Marker is the diff prefix character for the op, or 0 for Unchanged.
func (o Op) Marker() byte {
	switch o {
	case Added:
		return '+'
	case Removed:
		return '-'
	default:
		return 0
	}
}

func (o Op) String() string {
	switch o {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "unchanged"
	}
}

type DiffLine struct {
	Op   Op
	Text string
}

// Lines aligns the paragraphs of old and new.
// Replaced ranges come out as their removed paragraphs followed by the added ones.
func Lines(old, new string) []DiffLine {
	a := strings.Split(old, ParagraphSep)
	b := strings.Split(new, ParagraphSep)

	m := difflib.NewMatcher(a, b)
	out := make([]DiffLine, 0, len(a)+len(b))
	for _, oc := range m.GetOpCodes() {
		switch oc.Tag {
		case 'e':
			for _, p := range a[oc.I1:oc.I2] {
				out = append(out, DiffLine{Op: Unchanged, Text: p})
			}
		case 'd':
			for _, p := range a[oc.I1:oc.I2] {
				out = append(out, DiffLine{Op: Removed, Text: p})
			}
		case 'i':
			for _, p := range b[oc.J1:oc.J2] {
				out = append(out, DiffLine{Op: Added, Text: p})
			}
		case 'r':
			for _, p := range a[oc.I1:oc.I2] {
				out = append(out, DiffLine{Op: Removed, Text: p})
			}
			for _, p := range b[oc.J1:oc.J2] {
				out = append(out, DiffLine{Op: Added, Text: p})
			}
		}
	}
	return out
}

// Chunks returns the changed paragraphs as fenced diff blocks, in alignment order.
// Identical inputs produce no chunks.
func Chunks(old, new string) []string {
	if old == new {
		return nil
	}
	var out []string
	for _, l := range Lines(old, new) {
		marker := l.Op.Marker()
		if marker == 0 {
			continue
		}
		for c := range textwrap.Chunks(l.Text, ChunkBudget) {
			out = append(out, wrap(marker, c))
		}
	}
	return out
}

func wrap(marker byte, chunk string) string {
	var b strings.Builder
	b.Grow(len(chunk) + len(fenceOpen) + len(fenceClose) + 2)
	b.WriteString(fenceOpen)
	if chunk[0] != marker {
		b.WriteByte(marker)
		b.WriteByte(' ')
	}
	b.WriteString(chunk)
	b.WriteString(fenceClose)
	return b.String()
}

// Differ adapts the package functions to the change parser.
type Differ struct{}

func (Differ) Chunks(old, new string) []string { return Chunks(old, new) }
