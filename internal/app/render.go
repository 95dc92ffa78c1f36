package app

import (
	"statusrelay/internal/change"
	"statusrelay/internal/config"
	"statusrelay/internal/embed"
)

// Rendered is the dry-run view of one change record.
type Rendered struct {
	Key        string          `json:"key"`
	Transition string          `json:"transition"`
	Notify     bool            `json:"notify"`
	Payloads   []embed.Payload `json:"payloads,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// RenderRecords builds the payloads each record would produce without
// delivering anything. cfg may be nil for the built-in layout.
func RenderRecords(cfg *config.Config, records []change.Record) []Rendered {
	if cfg == nil {
		cfg = &config.Config{}
	}
	parser, builder := newRenderer(cfg)

	out := make([]Rendered, 0, len(records))
	for _, rec := range records {
		r := Rendered{Key: rec.Key, Transition: rec.TransitionType}
		ch, err := parser.Parse(rec)
		if err != nil {
			r.Error = err.Error()
			out = append(out, r)
			continue
		}
		r.Notify = ch.Notify
		if ch.Notify {
			if r.Payloads, err = builder.Build(ch); err != nil {
				r.Error = err.Error()
			}
		}
		out = append(out, r)
	}
	return out
}
