package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
)

// Палитра статусов.
var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	boldStyle    = lipgloss.NewStyle().Bold(true)
)

// StatusStyle возвращает стиль для статуса run или шага.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case "SUCCEEDED":
		return successStyle
	case "FAILED":
		return errorStyle
	case "ABORTED", "RUNNING", "RETRYING":
		return warnStyle
	default:
		return mutedStyle
	}
}

// Output управляет форматированием вывода CLI.
type Output struct {
	jsonMode bool
	w        io.Writer // stdout для данных
	errW     io.Writer // stderr для сообщений
}

// NewOutput создаёт Output. Если jsonMode=true, данные выводятся в JSON.
func NewOutput(jsonMode bool) *Output {
	return &Output{
		jsonMode: jsonMode,
		w:        os.Stdout,
		errW:     os.Stderr,
	}
}

// Print выводит данные: таблицу или JSON в зависимости от режима.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

// Table выводит данные в виде таблицы через tabwriter.
func (o *Output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	// Заголовки
	fmt.Fprintln(tw, strings.Join(headers, "\t"))

	// Разделитель
	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))

	// Строки данных
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	tw.Flush()
}

// JSON выводит данные в формате JSON с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// Run выводит run: заголовок со статусом, таблицу шагов и сводку.
func (o *Output) Run(run *RunResponse) {
	if o.jsonMode {
		o.JSON(run)
		return
	}

	status := StatusStyle(run.Status).Render(run.Status)
	fmt.Fprintf(o.w, "%s %s  %s\n", boldStyle.Render(run.Process), mutedStyle.Render(run.ExecutionID), status)
	if run.Cause != "" {
		fmt.Fprintf(o.w, "cause: %s\n", run.Cause)
	}
	fmt.Fprintln(o.w)

	// Статус шага без цвета: ANSI-коды ломают выравнивание tabwriter
	rows := make([][]string, len(run.Steps))
	for i, s := range run.Steps {
		detail := s.Error
		if s.State == "SKIPPED" {
			detail = s.SkipReason
		}
		if s.Recovered {
			detail = "recovered"
		}
		rows[i] = []string{s.Name, fmt.Sprint(s.Stage), s.State, fmt.Sprint(s.Attempts), formatMs(s.DurationMs), detail}
	}
	o.Table([]string{"STEP", "STAGE", "STATE", "ATTEMPTS", "DURATION", "DETAIL"}, rows)

	sum := run.Summary
	fmt.Fprintf(o.w, "\n%d/%d succeeded, %d failed, %d skipped, %d pending  success %.0f%% (strict %.0f%%)  %s\n",
		sum.Succeeded, sum.Total, sum.Failed, sum.Skipped, sum.Pending,
		sum.SuccessRate*100, sum.StrictSuccessRate*100, formatMs(run.DurationMs))
	if run.Warnings {
		fmt.Fprintln(o.w, warnStyle.Render("completed with warnings: non-critical steps failed"))
	}
}

// Success выводит сообщение об успехе в stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, successStyle.Render("✓")+" "+msg)
}

// Error выводит сообщение об ошибке в stderr.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, errorStyle.Render("Error:")+" "+msg)
}

func formatMs(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}
