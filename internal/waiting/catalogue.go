package waiting

import (
	"fmt"
	"os"
	"strings"

	"github.com/antzucaro/matchr"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/callbridge/internal/transcript"
)

// fuzzyThreshold is the Jaro-Winkler similarity at which a hint that matches
// no phrase by containment still counts as a weak match.
const fuzzyThreshold = 0.92

// Phrase is one waiting phrase. The id names the rendered clip file; the text
// may start with a tone tag such as "[happy]".
type Phrase struct {
	ID      string   `yaml:"id"`
	Text    string   `yaml:"text"`
	Aliases []string `yaml:"aliases,omitempty"`
}

// Tone returns the phrase's leading tone tag, lowercased, or "".
func (p Phrase) Tone() string { return toneTag(p.Text) }

// DefaultPhrases is the built-in catalogue used when no phrases file is
// configured.
var DefaultPhrases = []Phrase{
	{ID: "p_01", Text: "[happy] כן בטח!"},
	{ID: "p_02", Text: "[happy] נשמע מעולה!"},
	{ID: "p_03", Text: "[bright] איזה יופי!"},
	{ID: "p_06", Text: "[calm] אין בעיה."},
	{ID: "p_07", Text: "[neutral] נשמע טוב."},
	{ID: "p_08", Text: "[calm] בסדר גמור."},
	{ID: "p_09", Text: "[neutral] אוקיי, מבין."},
	{ID: "p_10", Text: "[neutral] סבבה."},
	{ID: "p_19", Text: "[friendly] מבין אותך לגמרי."},
	{ID: "p_26", Text: "[happy] מעולה!"},
	{ID: "p_29", Text: "[calm] בסדר."},
	{ID: "p_30", Text: "[bright] סגור!"},
}

// Catalogue resolves waiting hints to phrases. It is immutable and safe for
// concurrent use.
type Catalogue struct {
	phrases []Phrase
	byID    map[string]int
}

// NewCatalogue builds a catalogue. Phrase order matters: on equal scores the
// earlier phrase wins.
func NewCatalogue(phrases []Phrase) *Catalogue {
	c := &Catalogue{
		phrases: append([]Phrase(nil), phrases...),
		byID:    make(map[string]int, len(phrases)),
	}
	for i, p := range c.phrases {
		if _, dup := c.byID[p.ID]; !dup {
			c.byID[p.ID] = i
		}
	}
	return c
}

// LoadCatalogue reads a YAML list of phrases from path.
func LoadCatalogue(path string) (*Catalogue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("waiting: open catalogue: %w", err)
	}
	defer f.Close()

	var phrases []Phrase
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&phrases); err != nil {
		return nil, fmt.Errorf("waiting: decode catalogue %q: %w", path, err)
	}
	for i, p := range phrases {
		if p.ID == "" || strings.TrimSpace(p.Text) == "" {
			return nil, fmt.Errorf("waiting: catalogue %q: entry %d needs id and text", path, i)
		}
	}
	return NewCatalogue(phrases), nil
}

// Phrases returns a copy of the catalogue in order.
func (c *Catalogue) Phrases() []Phrase {
	return append([]Phrase(nil), c.phrases...)
}

// PickForHint maps a model-provided hint to a phrase.
//
// A hint equal to a phrase id selects that phrase. Otherwise the hint's text
// (without its tone tag) is compared to every phrase text and alias: an equal
// normalized text scores 2, containment either way scores 1, and a
// Jaro-Winkler similarity of at least 0.92 scores 1 when nothing is
// contained. A tone tag equal to the phrase's adds 2. The highest score wins,
// the earliest phrase on ties. ok is false when nothing matches.
func (c *Catalogue) PickForHint(hint string) (p Phrase, ok bool) {
	raw := strings.TrimSpace(hint)
	if raw == "" {
		return Phrase{}, false
	}
	if i, found := c.byID[raw]; found {
		return c.phrases[i], true
	}

	hintTone := toneTag(raw)
	hintNorm := normalizeHint(raw)
	if hintNorm == "" {
		return Phrase{}, false
	}

	bestScore, bestIdx := 0, -1
	for i, phrase := range c.phrases {
		variants := append([]string{phrase.Text}, phrase.Aliases...)
		for _, v := range variants {
			vNorm := normalizeHint(v)
			if vNorm == "" {
				continue
			}

			score := 0
			switch {
			case vNorm == hintNorm:
				score = 2
			case strings.Contains(vNorm, hintNorm), strings.Contains(hintNorm, vNorm):
				score = 1
			case matchr.JaroWinkler(vNorm, hintNorm, false) >= fuzzyThreshold:
				score = 1
			}
			if score == 0 {
				continue
			}
			// Aliases carry no tag of their own; they inherit the phrase's.
			vTone := toneTag(v)
			if vTone == "" {
				vTone = phrase.Tone()
			}
			if hintTone != "" && vTone == hintTone {
				score += 2
			}
			if score > bestScore {
				bestScore, bestIdx = score, i
			}
		}
	}
	if bestIdx < 0 {
		return Phrase{}, false
	}
	return c.phrases[bestIdx], true
}

// toneTag extracts a leading "[tag]" from s, lowercased.
func toneTag(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") {
		return ""
	}
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(s[1:end]))
}

// normalizeHint drops a leading tone tag and normalizes the rest.
func normalizeHint(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		if end := strings.IndexByte(s, ']'); end >= 0 {
			s = s[end+1:]
		}
	}
	return transcript.Normalize(s)
}
