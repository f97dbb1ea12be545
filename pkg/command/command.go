// Package command finds bot commands in comment and pull request text.
package command

import (
	"regexp"

	"github.com/codeGROOVE-dev/review-triage/pkg/status"
)

// Command names.
const (
	Status = "status"
	Marvin = "marvin"
)

// Arguments of the marvin command.
const (
	OptIn  = "opt-in"
	Triage = "triage"
)

// A command starts a line or follows whitespace: "/status needs_reviewer".
var pattern = regexp.MustCompile(`(?:^|\s)/(` + Status + `|` + Marvin + `)[ \t]+([\w-]+)`)

// Command is one recognized command.
type Command struct {
	Name string
	Arg  string
}

func (c Command) String() string {
	return "/" + c.Name + " " + c.Arg
}

// IsOptIn reports whether c is the opt-in command.
func (c Command) IsOptIn() bool {
	return c.Name == Marvin && c.Arg == OptIn
}

// Find returns the recognized commands in text, in the order they appear.
// Unknown names and arguments are skipped.
func Find(text string) []Command {
	var out []Command
	for _, m := range pattern.FindAllStringSubmatch(text, -1) {
		c := Command{Name: m[1], Arg: m[2]}
		if valid(c) {
			out = append(out, c)
		}
	}
	return out
}

// First returns the first command in text other than opt-in.
func First(text string) (Command, bool) {
	for _, c := range Find(text) {
		if !c.IsOptIn() {
			return c, true
		}
	}
	return Command{}, false
}

// HasOptIn reports whether text contains the opt-in command.
func HasOptIn(text string) bool {
	for _, c := range Find(text) {
		if c.IsOptIn() {
			return true
		}
	}
	return false
}

func valid(c Command) bool {
	switch c.Name {
	case Status:
		_, ok := status.Parse(c.Arg)
		return ok
	case Marvin:
		return c.Arg == OptIn || c.Arg == Triage
	default:
		return false
	}
}
