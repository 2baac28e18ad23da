package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	dim    = "\033[2m"
)

// Logo lines — broker ASCII art.
var logoLines = [6]string{
	`  _              _             `,
	` | |            | |            `,
	` | |__  _ __ ___ | | _____ _ __ `,
	` | '_ \| '__/ _ \| |/ / _ \ '__|`,
	` | |_) | | | (_) |   <  __/ |   `,
	` |_.__/|_|  \___/|_|\_\___|_|   `,
}

// PrintBanner prints the broker's ASCII art logo and below it the
// version and listen address. Colors are used only when stderr is a TTY.
func PrintBanner(ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, logoLines[i], reset)
		} else {
			fmt.Fprintf(os.Stderr, "%s\n", logoLines[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %saddr%s %s\n\n",
			dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   addr %s\n\n", ver, addr)
	}
}

// PrintAccessURL prints the HTTP API/observer base URL to stderr.
func PrintAccessURL(url string) {
	isTTY := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	if isTTY {
		fmt.Fprintf(os.Stderr, "  %s%s➜%s  %s%s%s\n\n", bold, green, reset, bold, url, reset)
	} else {
		fmt.Fprintf(os.Stderr, "  ➜  %s\n\n", url)
	}
}
