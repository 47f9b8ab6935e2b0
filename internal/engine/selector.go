package engine

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"

	"github.com/mohaanymo/mpdecrypt/internal/models"
)

// Select returns the representation to fetch. A non-empty id must match a
// representation exactly; otherwise the fetchable audio or video
// representation with the highest bandwidth wins, ties going to the first
// in document order.
func Select(m *models.Manifest, id string) (*models.Representation, error) {
	if m == nil {
		return nil, models.NewError(models.KindSelection, "no manifest", nil)
	}

	if id != "" {
		for _, rep := range m.Representations() {
			if rep.ID != id {
				continue
			}
			if rep.Template == nil {
				return nil, models.NewError(models.KindSelection,
					fmt.Sprintf("representation %q has no SegmentTemplate", id), nil)
			}
			if !rep.Selectable() {
				return nil, models.NewError(models.KindSelection,
					fmt.Sprintf("representation %q is a %s track", id, rep.Type), nil)
			}
			return rep, nil
		}
		return nil, models.NewError(models.KindSelection, "requested id not found", nil)
	}

	best := bestOf(m.Representations(), func(r *models.Representation) bool { return true })
	if best == nil {
		return nil, models.NewError(models.KindSelection, "no selectable representation", nil)
	}
	return best, nil
}

// SelectCompanion returns the best representation of the complementary media
// type (audio for a video primary and vice versa), or nil when there is none.
// When lang is set, representations in that language are preferred.
func SelectCompanion(m *models.Manifest, primary *models.Representation, lang string) *models.Representation {
	if m == nil || primary == nil {
		return nil
	}
	var want models.TrackType
	switch primary.Type {
	case models.TrackVideo:
		want = models.TrackAudio
	case models.TrackAudio:
		want = models.TrackVideo
	default:
		return nil
	}

	ofType := func(r *models.Representation) bool { return r.Type == want }
	if lang = normalizeLanguage(lang); lang != "" {
		inLang := func(r *models.Representation) bool {
			return ofType(r) && r.Adaptation != nil && normalizeLanguage(r.Adaptation.Lang) == lang
		}
		if rep := bestOf(m.Representations(), inLang); rep != nil {
			return rep
		}
	}
	return bestOf(m.Representations(), ofType)
}

// bestOf returns the highest-bandwidth selectable representation accepted by
// keep; the first seen wins ties.
func bestOf(reps []*models.Representation, keep func(*models.Representation) bool) *models.Representation {
	var best *models.Representation
	for _, rep := range reps {
		if !rep.Selectable() || !keep(rep) {
			continue
		}
		if best == nil || rep.Bandwidth > best.Bandwidth {
			best = rep
		}
	}
	return best
}

// languageAliases covers names and bibliographic codes that
// language.ParseBase does not map.
var languageAliases = map[string]string{
	"english":  "en",
	"arabic":   "ar",
	"arb":      "ar",
	"japanese": "ja",
	"french":   "fr",
	"fre":      "fr",
	"german":   "de",
	"ger":      "de",
	"spanish":  "es",
	"turkish":  "tr",
	"und":      "",
}

// normalizeLanguage reduces a language tag to its ISO 639-1 base when one
// exists; region subtags are dropped and unknown values pass through.
func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if alias, ok := languageAliases[lang]; ok {
		return alias
	}
	if base, err := language.ParseBase(lang); err == nil {
		return base.String()
	}
	return lang
}
