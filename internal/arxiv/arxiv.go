// Package arxiv queries the arXiv export API. Requests are paced to the
// one-per-three-seconds rate arXiv asks API clients to respect.
package arxiv

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/scholar/internal/httpkit"
)

// DefaultBaseURL is the public query endpoint.
const DefaultBaseURL = "https://export.arxiv.org/api/query"

// MaxResults caps a single query's page size.
const MaxResults = 50

// Config controls a Client. Zero values select the defaults.
type Config struct {
	BaseURL  string
	Timeout  time.Duration // per request; default 30s
	Interval time.Duration // minimum spacing between requests; default 3s
}

// Result is one paper from a search.
type Result struct {
	ID        string // short id, e.g. 2401.01234v1
	Title     string
	Authors   []string
	Summary   string
	PDFURL    string
	Published time.Time
}

// Client searches arXiv.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates an arXiv client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), 1),
		logger:  logger,
	}
}

type feed struct {
	Entries []entry `xml:"entry"`
}

type entry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Links []struct {
		Href  string `xml:"href,attr"`
		Title string `xml:"title,attr"`
		Type  string `xml:"type,attr"`
	} `xml:"link"`
}

// Search returns up to maxResults papers for query, sorted by relevance.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	switch {
	case maxResults <= 0:
		maxResults = 5
	case maxResults > MaxResults:
		maxResults = MaxResults
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("arxiv: %w", err)
	}

	params := url.Values{
		"search_query": {"all:" + query},
		"start":        {"0"},
		"max_results":  {strconv.Itoa(maxResults)},
		"sortBy":       {"relevance"},
		"sortOrder":    {"descending"},
	}
	reqURL := c.baseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("arxiv: build request: %w", err)
	}
	req.Header.Set("Accept", "application/atom+xml")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arxiv: request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("arxiv: HTTP %d: %s", resp.StatusCode, body)
	}

	var f feed
	if err := xml.NewDecoder(resp.Body).Decode(&f); err != nil {
		return nil, fmt.Errorf("arxiv: decode feed: %w", err)
	}

	results := make([]Result, 0, len(f.Entries))
	for _, e := range f.Entries {
		// The API reports bad queries as a feed entry, not an HTTP error.
		if strings.Contains(e.ID, "/api/errors") {
			return nil, fmt.Errorf("arxiv: %s", collapse(e.Summary))
		}
		results = append(results, e.result())
		if len(results) == maxResults {
			break
		}
	}

	c.logger.Debug("arxiv search complete",
		"query", query,
		"results", len(results),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return results, nil
}

func (e entry) result() Result {
	r := Result{
		ID:      ShortID(e.ID),
		Title:   collapse(e.Title),
		Summary: strings.TrimSpace(e.Summary),
	}
	for _, a := range e.Authors {
		if name := collapse(a.Name); name != "" {
			r.Authors = append(r.Authors, name)
		}
	}
	for _, l := range e.Links {
		if l.Title == "pdf" || l.Type == "application/pdf" {
			r.PDFURL = l.Href
			break
		}
	}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(e.Published)); err == nil {
		r.Published = t
	}
	return r
}

// ShortID strips the abs URL prefix from an entry id:
// http://arxiv.org/abs/2401.01234v1 becomes 2401.01234v1.
func ShortID(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.Index(id, "/abs/"); i >= 0 {
		return id[i+len("/abs/"):]
	}
	return id
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
