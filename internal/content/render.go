package content

import (
	"slices"

	"messaging/internal/types"
)

// WildcardLanguage is the catch-all translation key.
const WildcardLanguage = "*"

// Render picks the subject and body translations for a recipient. The lookup
// order is the recipient's language, the schedule default, the wildcard, and
// finally the lexically first available language. The returned language is
// the key that was used.
func Render(c types.Content, recipientLanguage, defaultLanguage string) (subject, body, language string) {
	language = pickLanguage(c.Message, recipientLanguage, defaultLanguage)
	body = c.Message[language]
	if c.Type == types.ContentEmail {
		subject = c.Subject[pickLanguage(c.Subject, recipientLanguage, defaultLanguage)]
	}
	return subject, body, language
}

func pickLanguage(translations map[string]string, candidates ...string) string {
	for _, lang := range append(candidates, WildcardLanguage) {
		if lang == "" {
			continue
		}
		if text, ok := translations[lang]; ok && text != "" {
			return lang
		}
	}
	keys := make([]string, 0, len(translations))
	for k, v := range translations {
		if v != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	slices.Sort(keys)
	return keys[0]
}
