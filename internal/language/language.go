package language

import (
	"fmt"
	"strings"

	xlang "golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Auto asks whisper to detect the spoken language itself.
const Auto = "auto"

// English names whisper users commonly type instead of codes.
var byName = map[string]string{
	"arabic":     "ar",
	"chinese":    "zh",
	"danish":     "da",
	"dutch":      "nl",
	"english":    "en",
	"finnish":    "fi",
	"french":     "fr",
	"german":     "de",
	"hindi":      "hi",
	"indonesian": "id",
	"italian":    "it",
	"japanese":   "ja",
	"korean":     "ko",
	"norwegian":  "no",
	"polish":     "pl",
	"portuguese": "pt",
	"russian":    "ru",
	"spanish":    "es",
	"swedish":    "sv",
	"thai":       "th",
	"turkish":    "tr",
	"vietnamese": "vi",
}

// Normalize folds code to the ISO 639-1 base language whisper expects.
// "auto" and the empty string both mean detection and return Auto.
func Normalize(code string) (string, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	switch code {
	case "", Auto:
		return Auto, nil
	}
	if base, ok := byName[code]; ok {
		return base, nil
	}
	tag, err := xlang.Parse(code)
	if err != nil {
		return "", fmt.Errorf("unknown language %q: %w", code, err)
	}
	base, confidence := tag.Base()
	if confidence == xlang.No {
		return "", fmt.Errorf("unknown language %q", code)
	}
	return base.String(), nil
}

// DisplayName renders code in English, e.g. "ja" -> "Japanese".
func DisplayName(code string) string {
	normalized, err := Normalize(code)
	if err != nil {
		return strings.ToUpper(strings.TrimSpace(code))
	}
	if normalized == Auto {
		return "auto-detect"
	}
	name := display.English.Languages().Name(xlang.Make(normalized))
	if name == "" {
		return normalized
	}
	return name
}
