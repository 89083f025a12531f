package git

import (
	"fmt"
	"strings"
)

// Error is returned when a git command fails or times out.
type Error struct {
	Args     []string
	Stdout   string
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString("git ")
	sb.WriteString(strings.Join(e.Args, " "))

	if e.TimedOut {
		sb.WriteString(": timed out")
	} else {
		fmt.Fprintf(&sb, ": %s", e.Err)
	}

	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		fmt.Fprintf(&sb, " (stderr: %s)", stderr)
	}

	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}
