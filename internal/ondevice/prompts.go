package ondevice

import (
	"fmt"
	"strings"

	"github.com/Techy2419/DocuGuide/internal/capability"
	"github.com/Techy2419/DocuGuide/internal/language"
)

var summaryModes = map[string]string{
	"key-points": "Summarize the text as a short bulleted list of its key points.",
	"tldr":       "Summarize the text in two or three plain sentences.",
	"teaser":     "Write an intriguing one-paragraph teaser of the text.",
	"headline":   "Write a single headline that captures the text.",
}

var writeTones = map[string]string{
	"formal":  "Use a formal, professional tone.",
	"casual":  "Use a friendly, casual tone.",
	"neutral": "Use a clear, neutral tone.",
}

// systemPrompt is the fixed instruction a session of kind is created with.
func systemPrompt(kind capability.Kind, opts capability.Options) string {
	var parts []string
	switch kind {
	case capability.Summarize:
		instr, ok := summaryModes[opts.Mode]
		if !ok {
			instr = summaryModes["key-points"]
		}
		parts = append(parts, instr, "Reply with the summary only.")
	case capability.Translate:
		parts = append(parts, fmt.Sprintf(
			"Translate the user's text from %s to %s. Reply with the translation only, preserving formatting.",
			language.Name(opts.SourceLanguage), language.Name(opts.TargetLanguage)))
	case capability.DetectLanguage:
		parts = append(parts,
			"Identify the language of the user's text. Reply only with a JSON array of at most three objects "+
				`of the form {"detectedLanguage": "<BCP 47 code>", "confidence": <0..1>}, most likely first.`)
	case capability.Write:
		parts = append(parts, "Write the content the user asks for. Reply with the content only.")
		if tone, ok := writeTones[opts.Mode]; ok {
			parts = append(parts, tone)
		}
	case capability.Proofread:
		parts = append(parts,
			"Correct spelling, grammar and punctuation in the user's text without changing its meaning. "+
				"Reply with the corrected text only.")
	}
	if opts.SystemPrompt != "" {
		parts = append(parts, opts.SystemPrompt)
	}
	if opts.SharedContext != "" {
		parts = append(parts, "Context: "+opts.SharedContext)
	}
	return strings.Join(parts, "\n\n")
}
