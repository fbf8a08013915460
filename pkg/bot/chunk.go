package bot

import "strings"

// splitChunks breaks text into chat-sized pieces at line boundaries.
// A single line longer than max is hard-split; empty chunks are never
// produced.
func splitChunks(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}

	var chunks []string
	current := ""
	for _, line := range strings.Split(text, "\n") {
		for len(line) > max {
			if current != "" {
				chunks = append(chunks, current)
				current = ""
			}
			chunks = append(chunks, line[:max])
			line = line[max:]
		}
		switch {
		case current == "":
			current = line
		case len(current)+len(line)+1 > max:
			chunks = append(chunks, current)
			current = line
		default:
			current += "\n" + line
		}
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}
