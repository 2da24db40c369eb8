package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/skridlevsky/govdesk/internal/service"
)

// Exit codes: 1 for refusals the user can act on, 2 when the backend or
// transport failed.
const (
	exitOK      = 0
	exitRefused = 1
	exitBackend = 2
)

const (
	loginHint    = "run `govdesk login` first"
	noneSelected = "no community selected: run `govdesk community select <url>`"
)

// cliError carries the exit code for a failed command.
type cliError struct {
	code int
	msg  string
}

func (e *cliError) Error() string { return e.msg }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitRefused
}

type styles struct {
	Title   lipgloss.Style
	Key     lipgloss.Style
	Dim     lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}

// printer writes either JSON or styled human output.
type printer struct {
	w      io.Writer
	errW   io.Writer
	json   bool
	styles styles
}

func newPrinter(cmd *cobra.Command) *printer {
	out := cmd.OutOrStdout()
	plain := lipgloss.NewStyle()
	p := &printer{
		w:      out,
		errW:   cmd.ErrOrStderr(),
		json:   isJSONMode(cmd),
		styles: styles{Title: plain, Key: plain, Dim: plain, Success: plain, Warning: plain, Error: plain},
	}
	if isTTY(out) {
		p.styles = styles{
			Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
			Key:     lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
			Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
			Success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
			Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
			Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		}
	}
	return p
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeCharDevice != 0
}

func (p *printer) writeJSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	return nil
}

func (p *printer) field(key string, value any) {
	fmt.Fprintf(p.w, "%s %v\n", p.styles.Key.Render(key+":"), value)
}

func (p *printer) success(format string, args ...any) {
	fmt.Fprintln(p.w, p.styles.Success.Render(fmt.Sprintf(format, args...)))
}

func (p *printer) warn(format string, args ...any) {
	fmt.Fprintf(p.errW, "%s %s\n", p.styles.Warning.Render("Warning:"), fmt.Sprintf(format, args...))
}

// render prints a service response. In JSON mode the whole envelope is
// written; otherwise human is called with the payload on success.
func render[T any](p *printer, resp service.Response[T], err error, human func(T)) error {
	if err != nil {
		return p.fail(&cliError{code: exitBackend, msg: err.Error()})
	}
	if p.json {
		if werr := p.writeJSON(resp); werr != nil {
			return werr
		}
		if !resp.OK {
			return &cliError{code: exitRefused, msg: resp.Error}
		}
		return nil
	}
	if !resp.OK {
		return p.fail(&cliError{code: exitRefused, msg: refusal(resp.StatusCode, resp.Error)})
	}
	human(resp.Data)
	return nil
}

func (p *printer) fail(err *cliError) error {
	if p.json {
		_ = p.writeJSON(map[string]any{"ok": false, "error": err.msg, "code": err.code})
	} else {
		fmt.Fprintf(p.errW, "%s %s\n", p.styles.Error.Render("Error:"), err.msg)
	}
	return err
}

func refusal(status int, msg string) string {
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Sprintf("%s: %s", msg, loginHint)
	case msg == service.MsgNoCommunity:
		return noneSelected
	default:
		return msg
	}
}
