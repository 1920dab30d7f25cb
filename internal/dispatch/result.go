package dispatch

import (
	"errors"
	"fmt"

	"github.com/Techy2419/DocuGuide/internal/capability"
	"github.com/Techy2419/DocuGuide/internal/metrics"
)

// Operation names a caller-facing operation.
type Operation string

const (
	OpSummarize       Operation = "summarize"
	OpTranslate       Operation = "translate"
	OpDetectLanguage  Operation = "detect-language"
	OpAsk             Operation = "ask"
	OpImproveWriting  Operation = "improve-writing"
	OpGenerateContent Operation = "generate-content"
	OpAnalyzeDocument Operation = "analyze-document"
	OpAnalyzeForm     Operation = "analyze-form"
	OpAnalyzePDF      Operation = "analyze-pdf"
	OpFieldGuidance   Operation = "field-guidance"
)

// Operations lists every operation Execute accepts.
var Operations = []Operation{
	OpSummarize, OpTranslate, OpDetectLanguage, OpAsk, OpImproveWriting,
	OpGenerateContent, OpAnalyzeDocument, OpAnalyzeForm, OpAnalyzePDF, OpFieldGuidance,
}

// Outcome discriminates a Result.
type Outcome int

const (
	Success Outcome = iota
	// NeedsDownload means the primary capability must be downloaded by an
	// explicit caller action before the operation can run.
	NeedsDownload
	// Downloading means the download is under way; Result.Progress is set.
	Downloading
	// Degraded is a success served by a fallback path.
	Degraded
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case NeedsDownload:
		return "needs-download"
	case Downloading:
		return "downloading"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// ErrorKind classifies a Failed result.
type ErrorKind string

const (
	ErrKindCapabilityUnavailable ErrorKind = "capability_unavailable"
	ErrKindProviderInitFailed    ErrorKind = "provider_init_failed"
	ErrKindInvocationFailed      ErrorKind = "invocation_failed"
	ErrKindInvalidRequest        ErrorKind = "invalid_request"
)

// ErrInvalidRequest is returned for requests that cannot be run at all.
var ErrInvalidRequest = errors.New("invalid request")

// classify maps an error onto the error taxonomy. Callers holding a joined
// fallback chain pass the primary's error alone.
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return ErrKindInvalidRequest
	case errors.Is(err, capability.ErrCapabilityUnavailable):
		return ErrKindCapabilityUnavailable
	case errors.Is(err, capability.ErrProviderInitFailed):
		return ErrKindProviderInitFailed
	default:
		return ErrKindInvocationFailed
	}
}

// Config carries per-request tuning.
type Config struct {
	Temperature    *float64 `json:"temperature,omitempty"`
	SourceLanguage string   `json:"sourceLanguage,omitempty"`
	TargetLanguage string   `json:"targetLanguage,omitempty"`
	// Mode is the summary type (key-points, tldr, teaser, headline), the
	// writing mode (proofread, formal, simplify, expand) or the tone of
	// generated content, depending on the operation.
	Mode string `json:"mode,omitempty"`
}

// Request is one caller-facing operation.
type Request struct {
	Operation Operation `json:"operation"`
	Input     string    `json:"input"`
	// Context is background text: the document a question is about, or the
	// surrounding form for field guidance.
	Context string     `json:"context,omitempty"`
	Config  Config     `json:"config"`
	Form    *FormData  `json:"form,omitempty"`
	Field   *FormField `json:"field,omitempty"`
}

func (r Request) validate() error {
	switch r.Operation {
	case OpAnalyzeForm:
		if r.Form == nil || len(r.Form.Fields) == 0 {
			return fmt.Errorf("%w: %s needs form fields", ErrInvalidRequest, r.Operation)
		}
		return nil
	case OpFieldGuidance:
		if r.Field == nil {
			return fmt.Errorf("%w: %s needs a field", ErrInvalidRequest, r.Operation)
		}
		return nil
	case OpTranslate:
		if r.Config.TargetLanguage == "" {
			return fmt.Errorf("%w: translate needs a target language", ErrInvalidRequest)
		}
	case OpImproveWriting:
		if r.Config.Mode != "" {
			if _, ok := writingModes[r.Config.Mode]; !ok {
				return fmt.Errorf("%w: unknown writing mode %q", ErrInvalidRequest, r.Config.Mode)
			}
		}
	}
	if isBlank(r.Input) {
		return fmt.Errorf("%w: %s needs input text", ErrInvalidRequest, r.Operation)
	}
	return nil
}

// Result is the structured answer to a Request. Nothing past the dispatcher
// panics or returns a bare error; failures arrive as Outcome Failed.
type Result struct {
	Operation Operation       `json:"operation"`
	Outcome   Outcome         `json:"outcome"`
	Kind      capability.Kind `json:"-"`
	Path      metrics.Path    `json:"path"`
	Text      string          `json:"text,omitempty"`

	// Fallback is set when a secondary provider produced the result.
	Fallback bool   `json:"fallback,omitempty"`
	Reason   string `json:"reason,omitempty"`

	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	Message   string    `json:"message,omitempty"`
	Err       error     `json:"-"`

	// Progress is the download percentage while Downloading.
	Progress float64 `json:"progress,omitempty"`
	Chunks   int     `json:"chunks,omitempty"`
	Cached   bool    `json:"cached,omitempty"`

	Insights     []string `json:"insights,omitempty"`
	DocumentType string   `json:"documentType,omitempty"`

	Translation *Translation  `json:"translation,omitempty"`
	Detection   *Detection    `json:"detection,omitempty"`
	Writing     *Writing      `json:"writing,omitempty"`
	Analysis    *Analysis     `json:"analysis,omitempty"`
	Form        *FormAnalysis `json:"form,omitempty"`
}

// Success reports whether the result carries usable output.
func (r Result) Success() bool { return r.Outcome == Success || r.Outcome == Degraded }

// Translation describes how a translation was resolved.
type Translation struct {
	Source     string `json:"source"`
	Target     string `json:"target"`
	SourceName string `json:"sourceName"`
	TargetName string `json:"targetName"`
	// Detected is set when the source language was auto-detected.
	Detected *Detection `json:"detected,omitempty"`
	// Defaulted is set when detection was not confident enough and the
	// source fell back to English.
	Defaulted bool `json:"defaulted,omitempty"`
	// Unchanged is set when source and target were the same language.
	Unchanged bool `json:"unchanged,omitempty"`
}

// Candidate is one detected language.
type Candidate struct {
	Language   string  `json:"language"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Detection is the outcome of language detection.
type Detection struct {
	Candidate
	Reliable bool `json:"reliable"`
	// Alternatives holds the top candidates, most confident first.
	Alternatives []Candidate `json:"alternatives,omitempty"`
}

// Writing describes an improve-writing or generate-content result.
type Writing struct {
	Mode    string `json:"mode"`
	Changed bool   `json:"changed"`
}

func failed(kind capability.Kind, err error) Result {
	return Result{
		Outcome:   Failed,
		Kind:      kind,
		ErrorKind: classify(err),
		Message:   err.Error(),
		Err:       err,
	}
}

// pending reports a capability that is not Ready yet.
func pending(kind capability.Kind, st capability.Status) Result {
	res := Result{Kind: kind, Outcome: NeedsDownload, Message: kind.String() + " model must be downloaded first"}
	if st.State == capability.Downloading {
		res.Outcome = Downloading
		res.Progress = st.Progress
		res.Message = fmt.Sprintf("%s model is downloading (%.0f%%)", kind, st.Progress)
	}
	return res
}
