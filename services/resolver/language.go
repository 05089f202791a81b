package resolver

import (
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"streamrelay/models"
)

// normalizeSubtitles canonicalizes subtitle language tags to BCP 47 and
// fills missing labels with the language's own display name. Tracks whose
// language cannot be parsed keep whatever the provider reported.
func normalizeSubtitles(subs []models.Subtitle) []models.Subtitle {
	for i, s := range subs {
		tag, err := language.Parse(s.Language)
		if err != nil {
			continue
		}
		subs[i].Language = tag.String()
		if s.Label == "" {
			subs[i].Label = display.Self.Name(tag)
		}
	}
	return subs
}
