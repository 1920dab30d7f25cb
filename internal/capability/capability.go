// Package capability describes the AI functions a host can provide and the
// readiness of each one. Every capability kind is served by a Provider
// registered in a Registry; the Registry is the only place that asks the
// host whether a capability is usable.
package capability

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is one discrete AI function offered by the host.
type Kind int

const (
	Summarize Kind = iota
	Translate
	DetectLanguage
	Prompt
	Write
	Proofread
)

// AllKinds lists every kind in a stable order.
var AllKinds = []Kind{Summarize, Translate, DetectLanguage, Prompt, Write, Proofread}

func (k Kind) String() string {
	switch k {
	case Summarize:
		return "summarize"
	case Translate:
		return "translate"
	case DetectLanguage:
		return "detect-language"
	case Prompt:
		return "prompt"
	case Write:
		return "write"
	case Proofread:
		return "proofread"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind converts a kind name back into a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "summarize", "summarizer":
		return Summarize, nil
	case "translate", "translator":
		return Translate, nil
	case "detect-language", "detect", "language-detector":
		return DetectLanguage, nil
	case "prompt", "language-model":
		return Prompt, nil
	case "write", "writer":
		return Write, nil
	case "proofread", "proofreader":
		return Proofread, nil
	}
	return 0, fmt.Errorf("unknown capability kind %q", s)
}

// Availability is the host-reported readiness of a capability.
type Availability int

const (
	// Unavailable is terminal: the host cannot provide the capability.
	Unavailable Availability = iota
	// Downloadable means the model must be downloaded before use.
	Downloadable
	// Downloading means a download is in progress.
	Downloading
	// Ready means sessions can be created right away.
	Ready
)

func (a Availability) String() string {
	switch a {
	case Unavailable:
		return "unavailable"
	case Downloadable:
		return "downloadable"
	case Downloading:
		return "downloading"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("availability(%d)", int(a))
	}
}

// ParseAvailability maps the strings hosts report onto Availability.
// Unknown values are treated as Unavailable.
func ParseAvailability(s string) Availability {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "readily", "available", "ready":
		return Ready
	case "after-download", "downloadable":
		return Downloadable
	case "downloading":
		return Downloading
	default:
		return Unavailable
	}
}

// Status is a point-in-time availability reading. Progress is the download
// percentage (0-100) and is only meaningful while Downloading.
type Status struct {
	State    Availability
	Progress float64
}

func (s Status) String() string {
	if s.State == Downloading {
		return fmt.Sprintf("%s (%.0f%%)", s.State, s.Progress)
	}
	return s.State.String()
}

// Options is the configuration a session is created with.
type Options struct {
	SystemPrompt   string
	Temperature    *float64
	TopK           *int
	SourceLanguage string
	TargetLanguage string
	// Mode selects a summarizer type or writing style.
	Mode          string
	SharedContext string
	// Slot names a general-prompt session so that independent conversations
	// (Q&A, proofreading fallback, analysis) do not share context.
	Slot string
}

// DefaultSlot is the prompt slot used when Options.Slot is empty.
const DefaultSlot = "qa"

// Key returns the pool key for a session of the given kind. Translators are
// keyed by language pair, summarizers by mode, prompt sessions by slot; the
// remaining kinds are singletons.
func (o Options) Key(kind Kind) string {
	switch kind {
	case Translate:
		return o.SourceLanguage + "->" + o.TargetLanguage
	case Summarize:
		return o.Mode
	case Prompt:
		if o.Slot == "" {
			return DefaultSlot
		}
		return o.Slot
	default:
		return ""
	}
}

// Fingerprint identifies the full option set. A pooled session is only
// reused while the fingerprint of the requested options is unchanged.
func (o Options) Fingerprint() string {
	var b strings.Builder
	b.WriteString(o.SystemPrompt)
	b.WriteByte(0)
	if o.Temperature != nil {
		fmt.Fprintf(&b, "%g", *o.Temperature)
	}
	b.WriteByte(0)
	if o.TopK != nil {
		fmt.Fprintf(&b, "%d", *o.TopK)
	}
	for _, s := range []string{o.SourceLanguage, o.TargetLanguage, o.Mode, o.SharedContext, o.Slot} {
		b.WriteByte(0)
		b.WriteString(s)
	}
	return b.String()
}

// Params advertises the valid sampling ranges of a provider. Zero maxima mean
// the provider does not expose the parameter and no clamping is applied.
type Params struct {
	DefaultTemperature float64
	MaxTemperature     float64
	DefaultTopK        int
	MaxTopK            int
}

// Clamp returns a copy of opts with temperature and topK filled from the
// defaults and forced into the advertised range.
func (p Params) Clamp(opts Options) Options {
	if p.MaxTemperature > 0 {
		t := p.DefaultTemperature
		if opts.Temperature != nil {
			t = *opts.Temperature
		}
		t = min(max(t, 0), p.MaxTemperature)
		opts.Temperature = &t
	}
	if p.MaxTopK > 0 {
		k := p.DefaultTopK
		if opts.TopK != nil {
			k = *opts.TopK
		}
		k = min(max(k, 1), p.MaxTopK)
		opts.TopK = &k
	}
	return opts
}

// Sentinel errors shared by the registry, the session pool and the dispatcher.
var (
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	ErrProviderInitFailed    = errors.New("provider init failed")
	ErrInvocationFailed      = errors.New("invocation failed")
)
