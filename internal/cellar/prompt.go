package cellar

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// promptInput is swapped in tests.
var promptInput io.Reader = os.Stdin

// askForConfirmation prompts the user with a yes/no question. Empty input means yes.
func askForConfirmation(p colorPrinter, format string, a ...any) bool {
	reader := bufio.NewReader(promptInput)
	fullPrompt := fmt.Sprintf("%s [Y/n]: ", fmt.Sprintf(format, a...))

	for {
		cPrintf(p, "%s", fullPrompt)
		response, err := reader.ReadString('\n')
		if err != nil && response == "" {
			return false // On error (like Ctrl+D), default to "no"
		}
		response = strings.ToLower(strings.TrimSpace(response))

		if response == "y" || response == "yes" || response == "" {
			return true
		}
		if response == "n" || response == "no" {
			return false
		}
		cPrintln(colWarn, "Invalid input.")
		if err != nil {
			return false
		}
	}
}
