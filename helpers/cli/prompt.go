package cli

import (
	"bufio"
	"io"
	"log"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop runs interactive prompt when stdin is terminal,
// otherwise executes stdin lines in order and returns at EOF.
func MainLoop(tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) {
	if IsInteractive() {
		// TODO OptionHistory
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
		return
	}
	if err := ExecLines(os.Stdin, exec); err != nil {
		log.Fatal(err)
	}
}

func IsInteractive() bool {
	return isatty.IsTerminal(os.Stdin.Fd())
}

// ExecLines skips blank lines.
func ExecLines(r io.Reader, exec func(line string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		exec(line)
	}
	return scanner.Err()
}
