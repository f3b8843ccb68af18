package synthesis

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	labelLesson          = "LESSON:"
	labelKeyInsights     = "KEY_INSIGHTS:"
	labelRecommendations = "RECOMMENDATIONS:"
)

var labels = []string{labelLesson, labelKeyInsights, labelRecommendations}

// ParseLesson validates and normalizes a labelled response. The lesson text
// must be non-empty and at least one key insight must be listed.
func ParseLesson(raw string) (Lesson, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Lesson{}, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}
	text = stripFences(text)

	lesson := Lesson{
		Text:            collapse(extractField(text, labelLesson)),
		KeyInsights:     bullets(extractField(text, labelKeyInsights)),
		Recommendations: bullets(extractField(text, labelRecommendations)),
	}
	if lesson.Text == "" {
		return Lesson{}, fmt.Errorf("%w: missing %s section", ErrMalformedResponse, labelLesson)
	}
	if len(lesson.KeyInsights) == 0 {
		return Lesson{}, fmt.Errorf("%w: no key insights", ErrMalformedResponse)
	}
	return lesson, nil
}

// extractField returns the text between label and the next known label.
func extractField(text, label string) string {
	start := strings.Index(text, label)
	if start == -1 {
		return ""
	}
	start += len(label)

	end := len(text)
	for _, other := range labels {
		if other == label {
			continue
		}
		if idx := strings.Index(text[start:], other); idx != -1 && start+idx < end {
			end = start + idx
		}
	}
	value := strings.TrimSpace(text[start:end])
	value = strings.Trim(value, "`")
	return strings.TrimSpace(value)
}

func stripFences(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// bullets splits a list section into items. Lines may start with "-", "*"
// or a number followed by "." or ")".
func bullets(section string) []string {
	var out []string
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
			line = line[2:]
		default:
			line = trimNumber(line)
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(line, "none") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func trimNumber(line string) string {
	i := 0
	for i < len(line) && unicode.IsDigit(rune(line[i])) {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return line[i+1:]
	}
	return line
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
