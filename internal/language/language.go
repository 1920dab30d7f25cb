// Package language normalizes language codes and names the languages the
// translator supports.
package language

import (
	"slices"
	"strings"

	xlang "golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Default is the source language assumed when detection is not confident.
const Default = "en"

// Supported lists the base language codes the translator accepts.
var Supported = []string{
	"ar", "bn", "de", "en", "es", "fr", "hi", "it", "ja", "ko",
	"nl", "pl", "pt", "ru", "th", "tr", "uk", "vi", "zh",
}

// Normalize reduces a BCP 47 tag to its base language code ("pt-BR" → "pt").
// Unparseable input yields "".
func Normalize(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	tag, err := xlang.Parse(code)
	if err != nil {
		return ""
	}
	base, conf := tag.Base()
	if conf == xlang.No {
		return ""
	}
	return base.String()
}

// IsSupported reports whether code names a supported translation language.
func IsSupported(code string) bool {
	return slices.Contains(Supported, Normalize(code))
}

// Name returns the English name of code ("es" → "Spanish"). Unknown codes are
// returned unchanged.
func Name(code string) string {
	tag, err := xlang.Parse(code)
	if err != nil {
		return code
	}
	if n := display.English.Tags().Name(tag); n != "" {
		return n
	}
	return code
}

// Same reports whether a and b name the same base language.
func Same(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}
