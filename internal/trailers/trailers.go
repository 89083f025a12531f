// Package trailers rewrites the trailer block of git commit messages.
package trailers

import (
	"regexp"
	"strings"
)

var trailerLineRe = regexp.MustCompile(`^[A-Z][A-Za-z0-9_-]+: `)

// Trailer is a "Name: value" line at the end of a commit message.
type Trailer struct {
	Name  string
	Value string
}

func (t Trailer) String() string {
	return t.Name + ": " + t.Value
}

// Rewrite returns message with all existing trailers named like one of
// trailers removed and trailers appended to the trailer block.
//
// Trailer lines already present at the end of the message are kept and
// stay in front of the added ones, duplicates are dropped and trailers
// with an empty value are removed. An empty message is returned
// unchanged.
// Rewrite is idempotent: applying it twice with the same trailers yields
// the same message as applying it once.
func Rewrite(message string, trailers []Trailer) string {
	if message == "" {
		return message
	}

	names := make(map[string]struct{}, len(trailers))
	for _, t := range trailers {
		names[strings.ToLower(t.Name)] = struct{}{}
	}

	lines := strings.Split(message, "\n")

	filtered := make([]string, 0, len(lines))
	for i, line := range lines {
		if i > 0 && isNamedTrailer(line, names) {
			continue
		}
		filtered = append(filtered, line)
	}

	filtered = dropTrailingEmptyLines(filtered)

	// existing trailer lines at the end of the message, the subject line is
	// never treated as a trailer
	blockStart := len(filtered)
	for blockStart > 1 && trailerLineRe.MatchString(filtered[blockStart-1]) {
		blockStart--
	}

	block := make([]string, 0, len(filtered)-blockStart+len(trailers))
	block = append(block, filtered[blockStart:]...)
	for _, t := range trailers {
		block = append(block, t.String())
	}
	block = removeDuplicates(removeEmptyValues(block))

	body := dropTrailingEmptyLines(filtered[:blockStart])

	if len(block) == 0 {
		return strings.Join(body, "\n") + "\n"
	}

	result := append(body, "")
	result = append(result, block...)

	return strings.Join(result, "\n") + "\n"
}

func isNamedTrailer(line string, names map[string]struct{}) bool {
	name, _, found := strings.Cut(line, ":")
	if !found {
		return false
	}

	_, exists := names[strings.ToLower(name)]
	return exists
}

func dropTrailingEmptyLines(lines []string) []string {
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}

	return lines
}

func removeEmptyValues(lines []string) []string {
	result := lines[:0]

	for _, line := range lines {
		_, val, _ := strings.Cut(line, ":")
		if strings.TrimSpace(val) == "" {
			continue
		}
		result = append(result, line)
	}

	return result
}

func removeDuplicates(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	result := lines[:0]

	for _, line := range lines {
		if _, exists := seen[line]; exists {
			continue
		}
		seen[line] = struct{}{}
		result = append(result, line)
	}

	return result
}
