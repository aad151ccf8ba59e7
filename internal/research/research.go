// Package research implements the paper-search MCP server: two tools
// backed by arXiv and the local paper cache, a folder listing resource,
// a per-topic digest template, and a guided search prompt.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/nugget/scholar/internal/arxiv"
	"github.com/nugget/scholar/internal/papers"
)

// Server and capability names.
const (
	ServerName = "research_server"

	ToolSearchPapers = "search_papers"
	ToolExtractInfo  = "extract_info"
	PromptSearch     = "get_search_prompt"

	FoldersURI  = "papers://folders"
	TopicURI    = "papers://{topic}"
	topicScheme = "papers://"

	defaultMaxResults = 5
	maxSearchResults  = arxiv.MaxResults
	maxAuthors        = 3
)

// Searcher finds papers for a query. *arxiv.Client satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]arxiv.Result, error)
}

// Service holds the research operations independent of any transport.
type Service struct {
	store  *papers.Store
	search Searcher
	logger *slog.Logger
}

// NewService creates a research service.
func NewService(store *papers.Store, search Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, search: search, logger: logger}
}

// PaperBrief is the per-paper entry in a search result.
type PaperBrief struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Authors   []string `json:"authors"`
	Published string   `json:"published"`
}

type searchResult struct {
	Topic  string       `json:"topic"`
	Count  int          `json:"count"`
	Papers []PaperBrief `json:"papers"`
}

// SearchPapers searches arXiv, merges the results into the topic cache
// and returns the JSON summary. Search failures come back as a JSON
// error payload, not a Go error.
func (s *Service) SearchPapers(ctx context.Context, topic string, maxResults int) string {
	switch {
	case maxResults <= 0:
		maxResults = defaultMaxResults
	case maxResults > maxSearchResults:
		maxResults = maxSearchResults
	}
	if err := papers.CheckTopic(topic); err != nil {
		return toJSON(map[string]string{
			"error": fmt.Sprintf("Invalid topic: %v", err),
			"topic": topic,
		})
	}

	results, err := s.search.Search(ctx, topic, maxResults)
	if err != nil {
		s.logger.Error("arxiv search failed", "topic", topic, "error", err)
		return toJSON(map[string]string{
			"error": fmt.Sprintf("Failed to search ArXiv: %v", err),
			"topic": topic,
		})
	}

	found := make([]papers.Paper, 0, len(results))
	briefs := make([]PaperBrief, 0, len(results))
	for _, r := range results {
		published := ""
		if !r.Published.IsZero() {
			published = r.Published.Format("2006-01-02")
		}
		authors := r.Authors
		if authors == nil {
			authors = []string{}
		}
		found = append(found, papers.Paper{
			ID:        r.ID,
			Title:     r.Title,
			Authors:   authors,
			Summary:   r.Summary,
			PDFURL:    r.PDFURL,
			Published: published,
		})
		briefs = append(briefs, PaperBrief{
			ID:        r.ID,
			Title:     r.Title,
			Authors:   authors[:min(len(authors), maxAuthors)],
			Published: published,
		})
	}

	// A failed cache write still returns the results.
	if err := s.store.Merge(topic, found); err != nil {
		s.logger.Error("failed to save papers", "topic", topic, "error", err)
	}

	s.logger.Info("papers found", "topic", topic, "count", len(briefs))
	return toJSON(searchResult{Topic: topic, Count: len(briefs), Papers: briefs})
}

// ExtractInfo returns the cached record for a paper id as JSON.
func (s *Service) ExtractInfo(id string) string {
	p, err := s.store.Find(id)
	switch {
	case err == nil:
		return toJSON(p)
	case errors.Is(err, papers.ErrNoPapers):
		return toJSON(map[string]string{
			"error": "No papers directory found. Please search for papers first using search_papers.",
		})
	case errors.Is(err, papers.ErrNotFound):
		return toJSON(map[string]string{
			"error":      fmt.Sprintf("No information found for paper ID: %s", id),
			"suggestion": "Make sure to search for papers first using search_papers",
		})
	default:
		s.logger.Error("paper lookup failed", "id", id, "error", err)
		return toJSON(map[string]string{"error": err.Error()})
	}
}

// Folders renders the topic folder listing.
func (s *Service) Folders() (string, error) {
	topics, err := s.store.Topics()
	if err != nil {
		return "", err
	}
	s.logger.Debug("available folders", "folders", topics)
	return papers.FoldersMarkdown(topics), nil
}

// TopicDigest renders the markdown digest of a topic.
func (s *Service) TopicDigest(topic string) string {
	info, err := s.store.Load(topic)
	if err != nil {
		s.logger.Error("failed to read topic", "topic", topic, "error", err)
		return fmt.Sprintf("Error reading papers for topic: %s.", topic)
	}
	return papers.TopicMarkdown(topic, info)
}

// SearchPrompt renders the guided multi-step research instruction.
func SearchPrompt(topic string, numPapers int) string {
	if numPapers <= 0 {
		numPapers = defaultMaxResults
	}
	return fmt.Sprintf(`Search for %[2]d academic papers about '%[1]s' using the search_papers tool. Follow these instructions:
    1. First, search for papers using search_papers(topic='%[1]s', max_results=%[2]d)
    2. For each paper found, extract and organize the following information:
       - Paper title
       - Authors
       - Publication date
       - Brief summary of the key findings
       - Main contributions or innovations
       - Methodologies used
       - Relevance to the topic '%[1]s'

    3. Provide a comprehensive summary that includes:
       - Overview of the current state of research in '%[1]s'
       - Common themes and trends across the papers
       - Key research gaps or areas for future investigation
       - Most impactful or influential papers in this area

    4. Organize your findings in a clear, structured format with headings and bullet points for easy readability.

    Please present both detailed information about each paper and a high-level synthesis of the research landscape in %[1]s.`,
		topic, numPapers)
}

// TopicFromURI extracts the topic from a papers://{topic} URI.
func TopicFromURI(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, topicScheme)
	if !ok || rest == "" {
		return "", false
	}
	if t, err := url.PathUnescape(rest); err == nil {
		rest = t
	}
	return rest, true
}

func toJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(data)
}
