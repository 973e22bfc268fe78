package outbound

import (
	"regexp"
	"strings"
)

var (
	brPattern     = regexp.MustCompile(`(?i)<br\s*/?>`)
	blockPattern  = regexp.MustCompile(`(?i)</(p|div|li|h[1-6]|tr|blockquote)>`)
	liPattern     = regexp.MustCompile(`(?i)<li[^>]*>`)
	tagPattern    = regexp.MustCompile(`<[^>]*>`)
	stylePattern  = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	spacePattern  = regexp.MustCompile(`[ \t]+`)
	newlinePattern = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText flattens an HTML reply draft into plain text for chat
// channels: block boundaries become newlines, list items get bullets,
// entities unescape, everything else strips.
func HTMLToText(html string) string {
	s := stylePattern.ReplaceAllString(html, "")
	s = brPattern.ReplaceAllString(s, "\n")
	s = liPattern.ReplaceAllString(s, "- ")
	s = blockPattern.ReplaceAllString(s, "\n")
	s = tagPattern.ReplaceAllString(s, "")

	r := strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	)
	s = r.Replace(s)

	s = spacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	s = strings.Join(lines, "\n")
	s = newlinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
