package embed

import (
	"errors"
	"time"

	"statusrelay/internal/change"
)

var (
	// ErrIncompleteRecord means a field needed for classification is missing.
	ErrIncompleteRecord = errors.New("incomplete record")
	// ErrUnclassifiableTransition means no title/color row matches the record.
	ErrUnclassifiableTransition = errors.New("unclassifiable transition")
)

// Payload is one Discord embed object.
type Payload struct {
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description"`
	Color       int     `json:"color"`
	Fields      []Field `json:"fields,omitempty"`
	Footer      *Footer `json:"footer,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type Footer struct {
	Text    string `json:"text"`
	IconURL string `json:"icon_url,omitempty"`
}

// Palette holds the embed colors by classification.
type Palette struct {
	Issue      int
	Resolved   int
	Change     int
	Historical int
}

func DefaultPalette() Palette {
	return Palette{
		Issue:      16711680,
		Resolved:   65280,
		Change:     16760576,
		Historical: 38655,
	}
}

const (
	DefaultBodyBudget = 3000
	DefaultFooterText = "AWS Status Health Monitor"
	DefaultFooterIcon = "https://a0.awsstatic.com/libra-css/images/logos/aws_logo_smile_1200x630.png"

	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Config drives rendering. Zero values are replaced by defaults in NewBuilder.
type Config struct {
	Palette Palette

	// FieldKeys lists, in order, the attributes rendered as inline fields on the last payload.
	FieldKeys []string
	// RelativeTimeKeys render as relative timestamps; other timestamps render in full.
	RelativeTimeKeys []string

	BodyBudget int
	Footer     Footer

	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Palette:          DefaultPalette(),
		FieldKeys:        []string{change.KeyStartTime, change.KeyEndTime, change.KeyLastUpdatedTime, change.KeyRegion},
		RelativeTimeKeys: []string{change.KeyLastUpdatedTime},
		BodyBudget:       DefaultBodyBudget,
		Footer:           Footer{Text: DefaultFooterText, IconURL: DefaultFooterIcon},
		Now:              time.Now,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Palette == (Palette{}) {
		c.Palette = def.Palette
	}
	if c.FieldKeys == nil {
		c.FieldKeys = def.FieldKeys
	}
	if c.RelativeTimeKeys == nil {
		c.RelativeTimeKeys = def.RelativeTimeKeys
	}
	if c.BodyBudget <= 0 {
		c.BodyBudget = def.BodyBudget
	}
	if c.Footer == (Footer{}) {
		c.Footer = def.Footer
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	return c
}
