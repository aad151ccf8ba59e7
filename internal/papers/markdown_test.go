package papers

import (
	"strings"
	"testing"
)

func TestFoldersMarkdown(t *testing.T) {
	got := FoldersMarkdown([]string{"biology", "physics"})
	want := "# Available Topics\n\n- biology\n- physics\n\nUse @physics to access papers in that topic.\n"
	if got != want {
		t.Errorf("FoldersMarkdown() =\n%q\nwant\n%q", got, want)
	}

	if got := FoldersMarkdown(nil); got != "# Available Topics\n\nNo folders found.\n" {
		t.Errorf("FoldersMarkdown(nil) = %q", got)
	}
}

func TestTopicMarkdown(t *testing.T) {
	long := strings.Repeat("é", SummaryLimit+50)
	info := map[string]Paper{
		"2": {ID: "2", Title: "Second", Authors: []string{"A", "B"}, Published: "2024-02-02", PDFURL: "http://arxiv.org/pdf/2", Summary: long},
		"1": {ID: "1"},
	}

	got := TopicMarkdown("physics", info)
	if !strings.HasPrefix(got, "# Papers in Topic: physics\n\n## Unknown Title\n- **Paper ID**: 1\n") {
		t.Errorf("digest head:\n%s", got)
	}
	for _, want := range []string{
		"- **Authors**: Unknown\n",
		"- **Published**: Unknown Date\n",
		"- **PDF URL**: [#](#)\n",
		"No summary available...",
		"## Second\n",
		"- **Authors**: A, B\n",
		"[http://arxiv.org/pdf/2](http://arxiv.org/pdf/2)",
		strings.Repeat("é", SummaryLimit) + "...\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("digest missing %q", want)
		}
	}
	if strings.Contains(got, strings.Repeat("é", SummaryLimit+1)) {
		t.Error("summary not truncated")
	}
}

func TestTopicMarkdown_Empty(t *testing.T) {
	got := TopicMarkdown("ghosts", nil)
	if got != "No papers found for topic: ghosts. Please ensure the topic exists." {
		t.Errorf("TopicMarkdown() = %q", got)
	}
}
