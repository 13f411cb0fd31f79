package modifier

import (
	"regexp"
	"strings"
)

// Button is one link button attached to a post.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

var linkRe = regexp.MustCompile(`(?i)^https?://\S+`)

// ValidURL reports whether raw is an absolute http(s) link.
func ValidURL(raw string) bool {
	return linkRe.MatchString(strings.TrimSpace(raw))
}

// FilterButtons splits buttons into the ones safe to render and the ones
// dropped for a bad URL. Input order is kept.
func FilterButtons(in []Button) (valid, dropped []Button) {
	for _, b := range in {
		b.Text = strings.TrimSpace(b.Text)
		b.URL = strings.TrimSpace(b.URL)
		if !ValidURL(b.URL) {
			dropped = append(dropped, b)
			continue
		}
		if b.Text == "" {
			b.Text = b.URL
		}
		valid = append(valid, b)
	}
	return valid, dropped
}

// ParseButtonLines reads "Label | https://link" (or "Label - https://link")
// lines as typed by operators. Lines without a separator use the whole line
// as the URL.
func ParseButtonLines(s string) []Button {
	var out []Button
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		label, link := "", line
		for _, sep := range []string{" | ", " - "} {
			if i := strings.LastIndex(line, sep); i >= 0 {
				label, link = line[:i], line[i+len(sep):]
				break
			}
		}
		out = append(out, Button{Text: strings.TrimSpace(label), URL: strings.TrimSpace(link)})
	}
	return out
}
