package cellar

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/term"
)

// showLog displays lines in a scrollable TUI when stdout is a terminal and the
// text does not fit on screen; otherwise it prints them to out. The view opens
// at the end of the log, where a failed build reports its error.
func showLog(title string, lines []string, out io.Writer) error {
	fd := int(os.Stdout.Fd())
	if out != os.Stdout || !term.IsTerminal(fd) {
		return printLines(out, lines)
	}

	// Two lines for the border.
	if _, height, err := term.GetSize(fd); err == nil && len(lines) <= height-2 {
		return printLines(out, lines)
	}

	app := tview.NewApplication()

	textView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(false)
	textView.SetBorder(true).SetTitle(" " + title + " ")

	// Build output carries ANSI colors from the progress lines.
	ansiWriter := tview.ANSIWriter(textView)
	fmt.Fprint(ansiWriter, strings.Join(lines, "\n"))
	textView.ScrollToEnd()

	footer := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[gray]↑/↓ PgUp/PgDn scroll, g/G top/bottom, q or Esc to quit[white]")

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(textView, 0, 1, true).
		AddItem(footer, 1, 0, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc, tcell.KeyCtrlQ:
			app.Stop()
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q':
				app.Stop()
				return nil
			case 'g':
				textView.ScrollToBeginning()
				return nil
			case 'G':
				textView.ScrollToEnd()
				return nil
			}
		}
		return event
	})

	if err := app.SetRoot(flex, true).SetFocus(textView).Run(); err != nil {
		return fmt.Errorf("pager execution failed: %w", err)
	}
	return nil
}

func printLines(out io.Writer, lines []string) error {
	for _, line := range lines {
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	return nil
}
