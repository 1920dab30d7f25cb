package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Techy2419/DocuGuide/internal/capability"
	"github.com/Techy2419/DocuGuide/internal/metrics"
)

// MaxPDFChars bounds the PDF text sent for analysis.
const MaxPDFChars = 3000

// Document types an analysis can report.
const (
	DocGovernmentForm = "government_form"
	DocLegal          = "legal_document"
	DocMedicalForm    = "medical_form"
	DocEducational    = "educational"
	DocBusiness       = "business"
	DocOther          = "other"
)

// Analysis is the structured reading of a document.
type Analysis struct {
	DocumentType    string          `json:"documentType"`
	Complexity      string          `json:"complexity"`
	KeySections     []string        `json:"keySections"`
	RequiredActions []string        `json:"requiredActions"`
	PotentialIssues []string        `json:"potentialIssues"`
	Confidence      float64         `json:"confidence"`
	Language        string          `json:"language"`
	FormFields      []AnalysisField `json:"formFields"`
}

// AnalysisField is a form field spotted during document analysis.
type AnalysisField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Help     string `json:"help"`
}

// DefaultAnalysis is returned when no provider could analyze the document.
func DefaultAnalysis() Analysis {
	return Analysis{
		DocumentType:    DocOther,
		Complexity:      "moderate",
		KeySections:     []string{},
		RequiredActions: []string{},
		PotentialIssues: []string{},
		Confidence:      0.5,
		Language:        "en",
		FormFields:      []AnalysisField{},
	}
}

// FormData is a form detected on a page.
type FormData struct {
	Title  string      `json:"title,omitempty"`
	URL    string      `json:"url,omitempty"`
	Fields []FormField `json:"fields"`
}

// FormField is one input of a detected form.
type FormField struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Label       string   `json:"label,omitempty"`
	Type        string   `json:"type,omitempty"`
	Required    bool     `json:"required,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	Options     []string `json:"options,omitempty"`
}

func (f *FormData) describe() string  { return mustJSON(f) }
func (f *FormField) describe() string { return mustJSON(f) }

func mustJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// FieldGuide explains one field of an analyzed form.
type FieldGuide struct {
	ID             string `json:"id"`
	Label          string `json:"label"`
	Explanation    string `json:"explanation"`
	Required       bool   `json:"required"`
	Format         string `json:"format,omitempty"`
	Source         string `json:"source,omitempty"`
	CommonMistakes string `json:"commonMistakes,omitempty"`
	LineNumber     string `json:"lineNumber,omitempty"`
}

// FormAnalysis is the completion guide for a form or PDF.
type FormAnalysis struct {
	FormType          string       `json:"formType,omitempty"`
	Summary           string       `json:"summary"`
	Fields            []FieldGuide `json:"fields"`
	CompletionOrder   []string     `json:"completionOrder"`
	EstimatedTime     string       `json:"estimatedTime"`
	RequiredDocuments []string     `json:"requiredDocuments"`
	Tips              []string     `json:"tips,omitempty"`
	// RawResponse holds the model reply when it was not valid JSON.
	RawResponse string `json:"rawResponse,omitempty"`
}

const analysisSystemPrompt = "You are an expert document analyzer. Analyze the given text and reply with a structured analysis in JSON format."

const analysisTemplate = `Analyze this text and reply with JSON of this shape:
{
  "documentType": "government_form|legal_document|medical_form|educational|business|other",
  "complexity": "simple|moderate|complex",
  "keySections": ["section1", "section2"],
  "requiredActions": ["action1", "action2"],
  "potentialIssues": ["issue1", "issue2"],
  "confidence": 0.0,
  "language": "detected_language_code",
  "formFields": [
    {"name": "field_name", "type": "text|date|checkbox|select", "required": true, "help": "help_text"}
  ]
}

Text to analyze: %s`

const formSystemPrompt = `You are a helpful form-explainer assistant. Analyze forms and give clear, actionable explanations for each field. Be specific about what information is needed and where to find it.

Reply in JSON with this structure:
{
  "summary": "Brief description of the form's purpose",
  "fields": [
    {
      "id": "field_id",
      "label": "Field Label",
      "explanation": "What this field is for",
      "required": true,
      "format": "Expected format (e.g., XXX-XX-XXXX for SSN)",
      "source": "Where to find this information",
      "commonMistakes": "Common mistakes to avoid"
    }
  ],
  "completionOrder": ["field_id_1", "field_id_2"],
  "estimatedTime": "Estimated completion time",
  "requiredDocuments": ["Document 1", "Document 2"]
}`

const pdfSystemPrompt = `You are a PDF form analysis expert. Analyze PDF forms and give step-by-step completion guidance.

Reply in JSON with this structure:
{
  "formType": "Type of form (e.g., Tax Return, Application)",
  "summary": "Brief description of the form's purpose",
  "fields": [
    {
      "id": "field_id",
      "label": "Field Label",
      "explanation": "What this field is for",
      "required": true,
      "format": "Expected format",
      "source": "Where to find this information",
      "commonMistakes": "Common mistakes to avoid",
      "lineNumber": "Line number on form (if applicable)"
    }
  ],
  "completionOrder": ["field_id_1", "field_id_2"],
  "estimatedTime": "Estimated completion time",
  "requiredDocuments": ["Document 1", "Document 2"],
  "tips": ["Helpful tip 1", "Helpful tip 2"]
}`

const guidanceSystemPrompt = "You are a form field guidance expert. Give specific, actionable guidance for individual form fields."

var analysisTemperature = 0.1

// AnalyzeDocument classifies text and lists its sections, actions and
// issues. When no provider can answer, the default analysis is returned as
// a Degraded result.
func (d *Dispatcher) AnalyzeDocument(ctx context.Context, text string) Result {
	return d.Execute(ctx, Request{Operation: OpAnalyzeDocument, Input: text})
}

// AnalyzeForm explains each field of form.
func (d *Dispatcher) AnalyzeForm(ctx context.Context, form FormData, formContext string) Result {
	return d.Execute(ctx, Request{Operation: OpAnalyzeForm, Form: &form, Context: formContext})
}

// AnalyzePDF explains a form given as extracted PDF text.
func (d *Dispatcher) AnalyzePDF(ctx context.Context, pdfText, formContext string) Result {
	return d.Execute(ctx, Request{Operation: OpAnalyzePDF, Input: pdfText, Context: formContext})
}

// FieldGuidance explains how to fill in a single field.
func (d *Dispatcher) FieldGuidance(ctx context.Context, field FormField, formContext string) Result {
	return d.Execute(ctx, Request{Operation: OpFieldGuidance, Field: &field, Context: formContext})
}

// promptChain runs a one-shot prompt session in slot and falls back to the
// cloud with the same instructions.
func (d *Dispatcher) promptChain(ctx context.Context, op Operation, slot, system, input string) Result {
	primary := target{
		kind: capability.Prompt,
		opts: capability.Options{
			Slot:         slot,
			SystemPrompt: system,
			Temperature:  &analysisTemperature,
		},
		parts:   []string{input},
		oneShot: true,
	}
	return d.chain(ctx, primary, d.cloudFallback(op, system, input, &analysisTemperature))
}

func (d *Dispatcher) analyzeDocument(ctx context.Context, req Request) Result {
	res := d.promptChain(ctx, OpAnalyzeDocument, "analysis", analysisSystemPrompt, fmt.Sprintf(analysisTemplate, req.Input))
	switch res.Outcome {
	case NeedsDownload, Downloading:
		return res
	case Failed:
		def := DefaultAnalysis()
		return Result{
			Outcome:      Degraded,
			Kind:         capability.Prompt,
			Path:         metrics.PathHeuristic,
			Fallback:     true,
			Reason:       "no provider could analyze the document: " + res.Message,
			Analysis:     &def,
			DocumentType: def.DocumentType,
		}
	}
	a := parseAnalysis(res.Text)
	res.Analysis = &a
	res.DocumentType = a.DocumentType
	return res
}

// parseAnalysis reads the first JSON object out of raw. Anything unreadable
// yields the default analysis; missing lists come back empty, not nil.
func parseAnalysis(raw string) Analysis {
	a := DefaultAnalysis()
	s, ok := extractJSON(raw, '{', '}')
	if !ok || json.Unmarshal([]byte(s), &a) != nil {
		return DefaultAnalysis()
	}
	if a.DocumentType == "" {
		a.DocumentType = DocOther
	}
	if a.Complexity == "" {
		a.Complexity = "moderate"
	}
	for _, l := range []*[]string{&a.KeySections, &a.RequiredActions, &a.PotentialIssues} {
		if *l == nil {
			*l = []string{}
		}
	}
	if a.FormFields == nil {
		a.FormFields = []AnalysisField{}
	}
	return a
}

// enrichment returns a cached or fresh analysis of text when enrichment is
// on. It runs inside an admitted operation and so bypasses admission itself.
func (d *Dispatcher) enrichment(ctx context.Context, text string) *Analysis {
	if !d.enrich || isBlank(text) {
		return nil
	}
	req := Request{Operation: OpAnalyzeDocument, Input: text}
	res, ok := d.cached(OpAnalyzeDocument, cacheKey(req))
	if !ok {
		res = d.analyzeDocument(ctx, req)
		if res.Outcome == Success && d.cache != nil {
			res.Operation = OpAnalyzeDocument
			d.cache.Put(string(OpAnalyzeDocument), cacheKey(req), res)
		}
	}
	return res.Analysis
}

var contextPrompts = map[Operation]map[string]string{
	OpSummarize: {
		DocGovernmentForm: "You are an expert in government forms. Focus on what the applicant needs to do, required documents and important deadlines.",
		DocLegal:          "You are a legal expert. Focus on key obligations, rights and important legal concepts.",
		DocMedicalForm:    "You are a healthcare assistant. Focus on patient requirements, health information needed and medical procedures.",
		DocEducational:    "You are an educational consultant. Focus on key concepts, learning objectives and important information.",
		DocBusiness:       "You are a business consultant. Focus on key decisions, requirements and business implications.",
	},
	OpAsk: {
		DocGovernmentForm: "You are an expert in government forms. Answer questions about form requirements, deadlines and procedures. Be specific about what applicants need to do.",
		DocLegal:          "You are a legal expert. Answer questions about legal concepts, obligations and rights. Always clarify that this is not official legal advice.",
		DocMedicalForm:    "You are a healthcare assistant. Answer questions about medical forms, health requirements and procedures. Focus on patient understanding.",
		DocEducational:    "You are an educational consultant. Answer questions about educational content, requirements and learning objectives.",
		DocBusiness:       "You are a business consultant. Answer questions about business documents, requirements and procedures.",
	},
}

// contextPrompt is the document-type-aware instruction for op, or "" when
// the document type has none.
func contextPrompt(op Operation, docType string) string {
	return contextPrompts[op][docType]
}

// attachInsights adds the insights a document analysis suggests for op.
func attachInsights(res *Result, op Operation, a *Analysis) {
	if a == nil {
		return
	}
	res.DocumentType = a.DocumentType
	res.Insights = insights(op, a)
}

func insights(op Operation, a *Analysis) []string {
	var out []string
	isComplex := a.Complexity == "complex"
	switch op {
	case OpSummarize:
		if isComplex {
			out = append(out, "This is a complex document; consider reading it in smaller sections.")
		}
		if len(a.RequiredActions) > 0 {
			out = append(out, "Key actions required: "+strings.Join(a.RequiredActions, ", "))
		}
		if len(a.PotentialIssues) > 0 {
			out = append(out, "Potential issues to watch for: "+strings.Join(a.PotentialIssues, ", "))
		}
		if n := len(a.FormFields); n > 0 {
			out = append(out, fmt.Sprintf("Form contains %d fields to complete", n))
		}
	case OpTranslate:
		if a.DocumentType == DocGovernmentForm {
			out = append(out, "This is a government form; make sure legal terminology is translated accurately.")
		}
		if isComplex {
			out = append(out, "Complex document; consider having a native speaker review the translation.")
		}
	case OpAsk:
		if a.DocumentType == DocLegal {
			out = append(out, "This is a legal document; consult a lawyer for official legal advice.")
		}
		if isComplex {
			out = append(out, "Complex document; more specific questions may get better answers.")
		}
	}
	return out
}

func (d *Dispatcher) analyzeForm(ctx context.Context, req Request) Result {
	formContext := req.Context
	if formContext == "" {
		formContext = "General form analysis"
	}
	input := fmt.Sprintf("Analyze this form: %s\n\nContext: %s\n\n"+
		"Give a detailed explanation for each field, including what information is needed, "+
		"where to find it, and common mistakes to avoid.", req.Form.describe(), formContext)

	res := d.promptChain(ctx, OpAnalyzeForm, "form", formSystemPrompt, input)
	if res.Success() {
		fa := parseFormAnalysis(res.Text, "")
		res.Form = &fa
	}
	return res
}

func (d *Dispatcher) analyzePDF(ctx context.Context, req Request) Result {
	formContext := req.Context
	if formContext == "" {
		formContext = "PDF form analysis"
	}
	input := fmt.Sprintf("Analyze this PDF form text: %s\n\nContext: %s\n\n"+
		"Give detailed field-by-field guidance for completing this form.", truncateRunes(req.Input, MaxPDFChars), formContext)

	res := d.promptChain(ctx, OpAnalyzePDF, "pdf", pdfSystemPrompt, input)
	if res.Success() {
		fa := parseFormAnalysis(res.Text, "PDF Form")
		res.Form = &fa
	}
	return res
}

// parseFormAnalysis reads a form guide out of raw. A reply that is not JSON
// becomes the summary, with the raw text kept.
func parseFormAnalysis(raw, formType string) FormAnalysis {
	var fa FormAnalysis
	if s, ok := extractJSON(raw, '{', '}'); ok && json.Unmarshal([]byte(s), &fa) == nil {
		if fa.FormType == "" {
			fa.FormType = formType
		}
		return fa
	}
	return FormAnalysis{
		FormType:          formType,
		Summary:           raw,
		Fields:            []FieldGuide{},
		CompletionOrder:   []string{},
		EstimatedTime:     "Unknown",
		RequiredDocuments: []string{},
		RawResponse:       raw,
	}
}

func (d *Dispatcher) fieldGuidance(ctx context.Context, req Request) Result {
	input := fmt.Sprintf(`Give guidance for this form field:

Field: %s
Form Context: %s

Explain:
1. What to enter
2. Where to find the information
3. Format requirements
4. Common mistakes to avoid
5. Tips for success`, req.Field.describe(), req.Context)
	return d.promptChain(ctx, OpFieldGuidance, "guidance", guidanceSystemPrompt, input)
}

// extractJSON returns the span from the first opening to the last closing
// delimiter. Models often wrap JSON in prose or code fences.
func extractJSON(s string, first, last byte) (string, bool) {
	i := strings.IndexByte(s, first)
	j := strings.LastIndexByte(s, last)
	if i < 0 || j <= i {
		return "", false
	}
	return s[i : j+1], true
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
