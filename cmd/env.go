package cmd

import (
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/Techy2419/DocuGuide/internal/capability"
	"github.com/Techy2419/DocuGuide/internal/language"
)

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show which capabilities are ready on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			w := cmd.OutOrStdout()
			statuses := a.registry.CheckEnvironment(ctx)
			ready := 0
			for _, k := range capability.AllKinds {
				st := statuses[k]
				if st.State == capability.Ready {
					ready++
				}
				fmt.Fprintf(w, "  %-16s %s\n", k, st)
			}
			fmt.Fprintf(w, "%d of %d capabilities ready\n", ready, len(capability.AllKinds))

			if a.cfg.CloudEnabled() {
				fmt.Fprintf(w, "Cloud fallback: %s\n", a.cfg.Cloud.Provider)
			} else {
				fmt.Fprintln(w, "Cloud fallback: not configured (run docuguide init)")
			}
			fmt.Fprintf(w, "Translation languages: %d supported\n", len(language.Supported))
			return nil
		},
	}
}

func newDownloadCmd() *cobra.Command {
	var source, target string

	cmd := &cobra.Command{
		Use:   "download <capability>",
		Short: "Download the model behind a capability",
		Long: "download fetches the local model a capability needs. Operations never download " +
			"on their own; they report that a download is needed and this command performs it.",
		Example: `  docuguide download summarize
  docuguide download translate --from en --to es`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := capability.ParseKind(args[0])
			if err != nil {
				return err
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			w := cmd.OutOrStdout()
			done := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				printProgress(w, a.progress.Events(), done)
			}()

			opts := capability.Options{SourceLanguage: source, TargetLanguage: target}
			err = a.registry.Download(ctx, kind, opts)
			close(done)
			wg.Wait()
			fmt.Fprintln(w)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s is %s\n", kind, a.registry.CheckAvailability(ctx, kind, opts).State)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "from", "", "source language, for translate")
	cmd.Flags().StringVar(&target, "to", "", "target language, for translate")
	return cmd
}

// printProgress renders events until done is closed, then flushes whatever is
// still buffered so the final percentage is not lost.
func printProgress(w io.Writer, events <-chan capability.DownloadProgress, done <-chan struct{}) {
	show := func(p capability.DownloadProgress) {
		fmt.Fprintf(w, "\r%s: %3.0f%%", p.Kind, p.PercentLoaded)
	}
	for {
		select {
		case p := <-events:
			show(p)
		case <-done:
			for {
				select {
				case p := <-events:
					show(p)
				default:
					return
				}
			}
		}
	}
}
