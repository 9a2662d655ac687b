package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/lorekit/loom"
)

// confirm asks the operator a yes/no question on stdin. Anything but an
// explicit yes declines.
func confirm(question string) bool {
	fmt.Printf("%s [y/N] ", question)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

// askDecision is the interactive decision source for clone failures.
func askDecision(e loom.Epoch, attempt int, err error) loom.Decision {
	fmt.Printf("cloning epoch %d failed (attempt %d): %s\n", e.Index, attempt, err)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("[r]etry, [s]kip this epoch or [a]bort the run? ")
		if !scanner.Scan() {
			return loom.Skip
		}

		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "r", "retry":
			return loom.Retry
		case "s", "skip":
			return loom.Skip
		case "a", "abort":
			return loom.Abort
		}
	}
}
