package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// inputFlags are the ways a command can receive its text.
type inputFlags struct {
	text string
	file string
	html string
}

func (f *inputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.text, "text", "t", "", "input text")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "read input from a file")
	cmd.Flags().StringVar(&f.html, "html", "", "read input from an HTML page saved to a file")
}

var errNoInput = errors.New("no input: pass --text, --file or --html, or pipe text on stdin")

// read returns the input text. Positional args are joined as a last resort
// before stdin, which is only read when it is not a terminal.
func (f *inputFlags) read(args []string) (string, error) {
	switch {
	case f.text != "":
		return f.text, nil
	case f.file != "":
		data, err := os.ReadFile(f.file)
		if err != nil {
			return "", fmt.Errorf("read input: %w", err)
		}
		return string(data), nil
	case f.html != "":
		data, err := os.ReadFile(f.html)
		if err != nil {
			return "", fmt.Errorf("read input: %w", err)
		}
		md, err := htmltomarkdown.ConvertString(string(data))
		if err != nil {
			return "", fmt.Errorf("convert %s: %w", f.html, err)
		}
		return md, nil
	case len(args) > 0:
		return strings.Join(args, " "), nil
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errNoInput
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", errNoInput
	}
	return string(data), nil
}
