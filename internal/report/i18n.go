package report

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Language is the code of a report localization, matching the name of a file
// under locales/.
type Language string

const (
	// LangEnglish is the default and the fallback for missing labels.
	LangEnglish Language = "en"
	// LangTurkish renders flight reports in Turkish.
	LangTurkish Language = "tr"
)

// ErrUnsupportedLanguage is returned by ParseLanguage for a code with no
// locale file.
var ErrUnsupportedLanguage = errors.New("report: unsupported language")

//go:embed locales/*.json
var localeFS embed.FS

var locales = loadLocales(localeFS, "locales")

// aliases maps the spellings accepted on the command line and over HTTP.
var aliases = map[string]Language{
	"":        LangEnglish,
	"en-us":   LangEnglish,
	"en-gb":   LangEnglish,
	"english": LangEnglish,
	"tr-tr":   LangTurkish,
	"turkish": LangTurkish,
	"türkçe":  LangTurkish,
	"turkce":  LangTurkish,
}

func loadLocales(fsys fs.FS, dir string) map[Language]map[string]string {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		panic(fmt.Sprintf("report: list locales: %v", err))
	}
	out := make(map[Language]map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".json" {
			continue
		}
		lang := Language(strings.TrimSuffix(e.Name(), ".json"))
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			panic(fmt.Sprintf("report: load locale %s: %v", lang, err))
		}
		var labels map[string]string
		if err := json.Unmarshal(data, &labels); err != nil {
			panic(fmt.Sprintf("report: parse locale %s: %v", lang, err))
		}
		out[lang] = labels
	}
	if _, ok := out[LangEnglish]; !ok {
		panic("report: english locale missing")
	}
	return out
}

// Languages lists the embedded localizations in code order.
func Languages() []Language {
	out := make([]Language, 0, len(locales))
	for lang := range locales {
		out = append(out, lang)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MissingKeys returns the English labels lang does not translate.
func MissingKeys(lang Language) []string {
	labels := locales[lang]
	var missing []string
	for key := range locales[LangEnglish] {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}

// Translator resolves report labels for one language.
type Translator struct {
	lang   Language
	labels map[string]string
}

// NewTranslator returns a translator for lang. Unknown codes get English.
func NewTranslator(lang Language) Translator {
	labels, ok := locales[lang]
	if !ok {
		return Translator{lang: LangEnglish, labels: locales[LangEnglish]}
	}
	return Translator{lang: lang, labels: labels}
}

// Lang returns the language actually in use.
func (t Translator) Lang() Language {
	return t.lang
}

// T returns the label for key, the English label when the locale lacks it, or
// the key itself.
func (t Translator) T(key string) string {
	if label, ok := t.labels[key]; ok {
		return label
	}
	if label, ok := locales[LangEnglish][key]; ok {
		return label
	}
	return key
}

// Format is T used as a fmt format string.
func (t Translator) Format(key string, args ...any) string {
	return fmt.Sprintf(t.T(key), args...)
}

// ParseLanguage converts a flag or request value into a supported Language.
func ParseLanguage(s string) (Language, error) {
	code := strings.ToLower(strings.TrimSpace(s))
	if lang, ok := aliases[code]; ok {
		return lang, nil
	}
	if _, ok := locales[Language(code)]; ok {
		return Language(code), nil
	}
	return LangEnglish, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, s)
}
