package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Techy2419/DocuGuide/internal/dispatch"
	"github.com/Techy2419/DocuGuide/internal/stream"
)

// runRequest executes req, streaming it when asked to, and prints the result.
func runRequest(cmd *cobra.Command, req dispatch.Request, streaming bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	if streaming && !jsonOutput {
		return streamRequest(ctx, cmd.OutOrStdout(), a.dispatcher, req)
	}
	return printResult(cmd.OutOrStdout(), a.dispatcher.Execute(ctx, req))
}

func streamRequest(ctx context.Context, w io.Writer, d *dispatch.Dispatcher, req dispatch.Request) error {
	seq, res := d.Stream(ctx, req, stream.Options{})
	if seq == nil {
		return printResult(w, res)
	}
	for s, err := range seq {
		if err != nil {
			fmt.Fprintln(w)
			return err
		}
		fmt.Fprint(w, s)
	}
	fmt.Fprintln(w)
	printNotes(res)
	return nil
}

// printResult writes res to w. A failed result becomes the command error.
func printResult(w io.Writer, res dispatch.Result) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		if res.Outcome == dispatch.Failed {
			return fmt.Errorf("%s failed", res.Operation)
		}
		return nil
	}

	switch res.Outcome {
	case dispatch.Failed:
		return fmt.Errorf("%s failed (%s): %s", res.Operation, res.ErrorKind, res.Message)
	case dispatch.NeedsDownload:
		fmt.Fprintf(w, "%s\nRun: docuguide download %s\n", res.Message, res.Kind)
		return nil
	case dispatch.Downloading:
		fmt.Fprintln(w, res.Message)
		return nil
	}

	switch {
	case res.Form != nil:
		printForm(w, res.Form)
	case res.Analysis != nil:
		printAnalysis(w, res.Analysis)
	case res.Detection != nil:
		fmt.Fprintf(w, "%s (%s) confidence %.2f\n", res.Detection.Name, res.Detection.Language, res.Detection.Confidence)
		for i, alt := range res.Detection.Alternatives {
			if i == 0 {
				continue
			}
			fmt.Fprintf(w, "  also possible: %s %.2f\n", alt.Name, alt.Confidence)
		}
	default:
		fmt.Fprintln(w, res.Text)
	}
	printNotes(res)
	return nil
}

// printNotes writes what the caller should know besides the answer to stderr.
func printNotes(res dispatch.Result) {
	if res.Fallback {
		fmt.Fprintf(os.Stderr, "note: %s\n", res.Reason)
	}
	if tr := res.Translation; tr != nil {
		switch {
		case tr.Unchanged:
			fmt.Fprintf(os.Stderr, "note: text is already in %s\n", tr.TargetName)
		case tr.Defaulted:
			fmt.Fprintf(os.Stderr, "note: source language unclear, assumed %s\n", tr.SourceName)
		}
	}
	for _, s := range res.Insights {
		fmt.Fprintf(os.Stderr, "insight: %s\n", s)
	}
}

func printAnalysis(w io.Writer, a *dispatch.Analysis) {
	fmt.Fprintf(w, "Type: %s (%s, confidence %.2f)\n", a.DocumentType, a.Complexity, a.Confidence)
	printList(w, "Key sections", a.KeySections)
	printList(w, "Required actions", a.RequiredActions)
	printList(w, "Potential issues", a.PotentialIssues)
	for _, f := range a.FormFields {
		req := ""
		if f.Required {
			req = " (required)"
		}
		fmt.Fprintf(w, "Field %s [%s]%s: %s\n", f.Name, f.Type, req, f.Help)
	}
}

func printForm(w io.Writer, fa *dispatch.FormAnalysis) {
	if fa.FormType != "" {
		fmt.Fprintf(w, "Form: %s\n", fa.FormType)
	}
	fmt.Fprintln(w, fa.Summary)
	if fa.RawResponse != "" {
		return
	}
	for _, f := range fa.Fields {
		fmt.Fprintf(w, "\n%s", f.Label)
		if f.Required {
			fmt.Fprint(w, " (required)")
		}
		fmt.Fprintf(w, "\n  %s\n", f.Explanation)
		if f.Format != "" {
			fmt.Fprintf(w, "  Format: %s\n", f.Format)
		}
		if f.Source != "" {
			fmt.Fprintf(w, "  Where to find it: %s\n", f.Source)
		}
		if f.CommonMistakes != "" {
			fmt.Fprintf(w, "  Avoid: %s\n", f.CommonMistakes)
		}
	}
	fmt.Fprintln(w)
	printList(w, "Completion order", fa.CompletionOrder)
	printList(w, "Required documents", fa.RequiredDocuments)
	printList(w, "Tips", fa.Tips)
	if fa.EstimatedTime != "" {
		fmt.Fprintf(w, "Estimated time: %s\n", fa.EstimatedTime)
	}
}

func printList(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(w, "  - %s\n", it)
	}
}

func newSummarizeCmd() *cobra.Command {
	var in inputFlags
	var mode string
	var streaming bool

	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Summarize a document",
		Example: `  docuguide summarize --file lease.txt --mode tldr
  curl -s https://example.com/terms | docuguide summarize`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := in.read(args)
			if err != nil {
				return err
			}
			req := dispatch.Request{Operation: dispatch.OpSummarize, Input: text, Config: dispatch.Config{Mode: mode}}
			return runRequest(cmd, req, streaming)
		},
	}
	in.register(cmd)
	cmd.Flags().StringVar(&mode, "mode", "key-points", "summary type: key-points, tldr, teaser, headline")
	cmd.Flags().BoolVar(&streaming, "stream", false, "print the summary as it is produced")
	return cmd
}

func newTranslateCmd() *cobra.Command {
	var in inputFlags
	var to, from string
	var streaming bool

	cmd := &cobra.Command{
		Use:     "translate",
		Short:   "Translate text into another language",
		Example: `  docuguide translate --to es --text "Sign on line 4."`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := in.read(args)
			if err != nil {
				return err
			}
			req := dispatch.Request{Operation: dispatch.OpTranslate, Input: text,
				Config: dispatch.Config{TargetLanguage: to, SourceLanguage: from}}
			return runRequest(cmd, req, streaming)
		},
	}
	in.register(cmd)
	cmd.Flags().StringVar(&to, "to", "", "target language code")
	cmd.Flags().StringVar(&from, "from", "", "source language code (detected when empty)")
	cmd.Flags().BoolVar(&streaming, "stream", false, "print the translation as it is produced")
	cmd.MarkFlagRequired("to")
	return cmd
}

func newDetectCmd() *cobra.Command {
	var in inputFlags
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect the language of text",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := in.read(args)
			if err != nil {
				return err
			}
			return runRequest(cmd, dispatch.Request{Operation: dispatch.OpDetectLanguage, Input: text}, false)
		},
	}
	in.register(cmd)
	return cmd
}

func newAskCmd() *cobra.Command {
	var in inputFlags
	var streaming bool

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question, optionally about a document",
		Example: `  docuguide ask "What documents do I need?" --file ds11.txt
  docuguide ask --stream "How long does renewal take?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			var docContext string
			if in.text != "" || in.file != "" || in.html != "" {
				var err error
				if docContext, err = in.read(nil); err != nil {
					return err
				}
			}
			req := dispatch.Request{Operation: dispatch.OpAsk, Input: question, Context: docContext}
			return runRequest(cmd, req, streaming)
		},
	}
	in.register(cmd)
	cmd.Flags().BoolVar(&streaming, "stream", false, "print the answer as it is produced")
	return cmd
}

func newImproveCmd() *cobra.Command {
	var in inputFlags
	var mode string
	var streaming bool

	cmd := &cobra.Command{
		Use:     "improve",
		Short:   "Proofread or rewrite text",
		Example: `  docuguide improve --mode formal --text "pls send the form asap"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := in.read(args)
			if err != nil {
				return err
			}
			req := dispatch.Request{Operation: dispatch.OpImproveWriting, Input: text, Config: dispatch.Config{Mode: mode}}
			return runRequest(cmd, req, streaming)
		},
	}
	in.register(cmd)
	cmd.Flags().StringVar(&mode, "mode", "proofread", "proofread, formal, simplify or expand")
	cmd.Flags().BoolVar(&streaming, "stream", false, "print the text as it is produced")
	return cmd
}

func newGenerateCmd() *cobra.Command {
	var in inputFlags
	var tone string
	var streaming bool

	cmd := &cobra.Command{
		Use:     "generate",
		Short:   "Write new content from a prompt",
		Example: `  docuguide generate --tone formal "a short note asking for a deadline extension"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := in.read(args)
			if err != nil {
				return err
			}
			req := dispatch.Request{Operation: dispatch.OpGenerateContent, Input: text, Config: dispatch.Config{Mode: tone}}
			return runRequest(cmd, req, streaming)
		},
	}
	in.register(cmd)
	cmd.Flags().StringVar(&tone, "tone", "", "tone of the content, e.g. formal or friendly")
	cmd.Flags().BoolVar(&streaming, "stream", false, "print the content as it is produced")
	return cmd
}

func newAnalyzeCmd() *cobra.Command {
	var in inputFlags
	var formFile, formContext string
	var pdf bool

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze a document, a form or PDF form text",
		Example: `  docuguide analyze --file contract.txt
  docuguide analyze --form fields.json --context "Rental application"
  pdftotext w4.pdf - | docuguide analyze --pdf`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if formFile != "" {
				var form dispatch.FormData
				if err := readJSON(formFile, &form); err != nil {
					return err
				}
				return runRequest(cmd, dispatch.Request{Operation: dispatch.OpAnalyzeForm, Form: &form, Context: formContext}, false)
			}

			text, err := in.read(args)
			if err != nil {
				return err
			}
			op := dispatch.OpAnalyzeDocument
			if pdf {
				op = dispatch.OpAnalyzePDF
			}
			return runRequest(cmd, dispatch.Request{Operation: op, Input: text, Context: formContext}, false)
		},
	}
	in.register(cmd)
	cmd.Flags().StringVar(&formFile, "form", "", "JSON file describing a form's fields")
	cmd.Flags().BoolVar(&pdf, "pdf", false, "treat the input as text extracted from a PDF form")
	cmd.Flags().StringVar(&formContext, "context", "", "what the form is for")
	cmd.MarkFlagsMutuallyExclusive("form", "pdf")
	return cmd
}

func newGuideCmd() *cobra.Command {
	var fieldFile, formContext string

	cmd := &cobra.Command{
		Use:     "guide",
		Short:   "Explain how to fill in a single form field",
		Example: `  docuguide guide --field ssn.json --context "W-4 employee withholding"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var field dispatch.FormField
			if err := readJSON(fieldFile, &field); err != nil {
				return err
			}
			return runRequest(cmd, dispatch.Request{Operation: dispatch.OpFieldGuidance, Field: &field, Context: formContext}, false)
		},
	}
	cmd.Flags().StringVar(&fieldFile, "field", "", "JSON file describing the field")
	cmd.Flags().StringVar(&formContext, "context", "", "what the form is for")
	cmd.MarkFlagRequired("field")
	return cmd
}

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch <requests.json>",
		Short: "Run a JSON array of requests concurrently",
		Long: "batch reads a JSON array of requests, each with an operation, input and optional " +
			"context, config, form or field, and runs them within the configured concurrency limit.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var reqs []dispatch.Request
			if err := readJSON(args[0], &reqs); err != nil {
				return err
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			results := a.dispatcher.Batch(ctx, reqs)
			w := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			failures := 0
			for i, res := range results {
				fmt.Fprintf(w, "=== [%d] %s: %s\n", i+1, res.Operation, res.Outcome)
				if res.Outcome == dispatch.Failed {
					failures++
				}
				if err := printResult(w, res); err != nil {
					fmt.Fprintln(w, err)
				}
			}
			if failures > 0 {
				return fmt.Errorf("%d of %d requests failed", failures, len(results))
			}
			return nil
		},
	}
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
