// Package logview renders run logs for the terminal.
package logview

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gookit/color"
	"github.com/rivo/tview"
	"golang.org/x/term"
)

var (
	colTime  = color.Gray
	colInfo  = color.HEX("#1976D2")
	colWarn  = color.Warn
	colError = color.Error
	colKey   = color.HEX("#FFEB3B")
)

// Render turns a run log into display lines. JSON records are reformatted;
// anything else (captured command output) passes through unchanged.
func Render(r io.Reader, colored bool) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "{") {
			var rec map[string]any
			if err := json.Unmarshal([]byte(line), &rec); err == nil {
				lines = append(lines, formatRecord(rec, colored))
				continue
			}
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

func paint(on bool, style interface{ Sprint(...any) string }, s string) string {
	if !on {
		return s
	}
	return style.Sprint(s)
}

func formatRecord(rec map[string]any, colored bool) string {
	var b strings.Builder
	if ts, ok := rec["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ts = t.Format("15:04:05")
		}
		b.WriteString(paint(colored, colTime, ts) + " ")
	}
	level, _ := rec["level"].(string)
	var style interface{ Sprint(...any) string } = colInfo
	switch level {
	case "WARN":
		style = colWarn
	case "ERROR":
		style = colError
	case "DEBUG":
		style = colTime
	}
	b.WriteString(paint(colored, style, fmt.Sprintf("%-5s", level)) + " ")
	msg, _ := rec["msg"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		switch k {
		case "time", "level", "msg":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" " + paint(colored, colKey, k) + "=" + formatValue(rec[k]))
	}
	return b.String()
}

func formatValue(v any) string {
	switch v := v.(type) {
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case string:
		if strings.ContainsAny(v, " \t\n") {
			return strconv.Quote(v)
		}
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Show pages lines in a scrollable view when out is a terminal too short to
// hold them, and prints them otherwise.
func Show(out *os.File, title string, lines []string) error {
	fd := int(out.Fd())
	if !term.IsTerminal(fd) {
		return printLines(out, lines)
	}
	if _, height, err := term.GetSize(fd); err == nil && len(lines) <= height-2 {
		return printLines(out, lines)
	}

	app := tview.NewApplication()
	view := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(false)
	view.SetBorder(true).SetTitle(" " + title + " ")
	fmt.Fprint(tview.ANSIWriter(view), strings.Join(lines, "\n"))
	view.ScrollToEnd()

	footer := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[gray]↑/↓ PgUp/PgDn Home/End scroll, q or Esc quits[white]")

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(view, 0, 1, true).
		AddItem(footer, 1, 0, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc, tcell.KeyCtrlQ:
			app.Stop()
			return nil
		case tcell.KeyRune:
			if event.Rune() == 'q' {
				app.Stop()
				return nil
			}
		}
		return event
	})

	if err := app.SetRoot(flex, true).SetFocus(view).Run(); err != nil {
		return fmt.Errorf("pager: %w", err)
	}
	return nil
}

func printLines(w io.Writer, lines []string) error {
	bw := bufio.NewWriter(w)
	for _, l := range lines {
		bw.WriteString(l)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}
