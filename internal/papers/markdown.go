package papers

import (
	"fmt"
	"strings"
)

// SummaryLimit is the number of summary characters shown in a digest.
const SummaryLimit = 500

// FoldersMarkdown renders the topic folder listing.
func FoldersMarkdown(topics []string) string {
	var b strings.Builder
	b.WriteString("# Available Topics\n\n")
	if len(topics) == 0 {
		b.WriteString("No folders found.\n")
		return b.String()
	}
	for _, t := range topics {
		fmt.Fprintf(&b, "- %s\n", t)
	}
	fmt.Fprintf(&b, "\nUse @%s to access papers in that topic.\n", topics[len(topics)-1])
	return b.String()
}

// TopicMarkdown renders the digest of a topic's cached papers. An empty
// topic produces a not-found notice.
func TopicMarkdown(topic string, info map[string]Paper) string {
	if len(info) == 0 {
		return fmt.Sprintf("No papers found for topic: %s. Please ensure the topic exists.", topic)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Papers in Topic: %s\n\n", topic)
	for _, p := range Sorted(info) {
		title := orDefault(p.Title, "Unknown Title")
		authors := "Unknown"
		if len(p.Authors) > 0 {
			authors = strings.Join(p.Authors, ", ")
		}
		pdf := orDefault(p.PDFURL, "#")

		fmt.Fprintf(&b, "## %s\n", title)
		fmt.Fprintf(&b, "- **Paper ID**: %s\n", p.ID)
		fmt.Fprintf(&b, "- **Authors**: %s\n", authors)
		fmt.Fprintf(&b, "- **Published**: %s\n", orDefault(p.Published, "Unknown Date"))
		fmt.Fprintf(&b, "- **PDF URL**: [%s](%s)\n\n", pdf, pdf)
		fmt.Fprintf(&b, "### Summary\n%s...\n\n", Truncate(orDefault(p.Summary, "No summary available"), SummaryLimit))
	}
	return b.String()
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
