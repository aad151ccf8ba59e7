package research

import (
	"context"
	"fmt"
	"strconv"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nugget/scholar/internal/buildinfo"
	"github.com/nugget/scholar/internal/papers"
)

// SearchPapersArgs are the search_papers tool arguments.
type SearchPapersArgs struct {
	Topic      string `json:"topic" jsonschema:"The search topic, e.g. machine learning or quantum computing"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"Maximum number of results to return (default 5)"`
}

// ExtractInfoArgs are the extract_info tool arguments.
type ExtractInfoArgs struct {
	PaperID string `json:"paper_id" jsonschema:"The arXiv ID of the paper, e.g. 2103.14030"`
}

// NewMCPServer registers the research capabilities on a new MCP server.
func NewMCPServer(svc *Service) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    ServerName,
		Version: buildinfo.Version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolSearchPapers,
		Description: "Search for academic papers on arXiv based on a topic. Returns JSON with paper IDs and basic info.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args SearchPapersArgs) (*mcp.CallToolResult, any, error) {
		return textResult(svc.SearchPapers(ctx, args.Topic, args.MaxResults)), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolExtractInfo,
		Description: "Extract detailed information about a specific paper by its arXiv ID, including the abstract.",
	}, func(_ context.Context, _ *mcp.CallToolRequest, args ExtractInfoArgs) (*mcp.CallToolResult, any, error) {
		return textResult(svc.ExtractInfo(args.PaperID)), nil, nil
	})

	server.AddResource(&mcp.Resource{
		URI:         FoldersURI,
		Name:        "folders",
		Description: "List of available paper topic folders.",
		MIMEType:    "text/markdown",
	}, func(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		text, err := svc.Folders()
		if err != nil {
			return nil, err
		}
		return markdownResult(req.Params.URI, text), nil
	})

	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: TopicURI,
		Name:        "topic",
		Description: "Papers cached for a topic folder, e.g. papers://machine_learning.",
		MIMEType:    "text/markdown",
	}, func(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		topic, ok := TopicFromURI(req.Params.URI)
		if !ok || papers.CheckTopic(topic) != nil {
			return nil, mcp.ResourceNotFoundError(req.Params.URI)
		}
		return markdownResult(req.Params.URI, svc.TopicDigest(topic)), nil
	})

	server.AddPrompt(&mcp.Prompt{
		Name:        PromptSearch,
		Description: "Generate a prompt to find and discuss academic papers on a specific topic.",
		Arguments: []*mcp.PromptArgument{
			{Name: "topic", Description: "Research topic", Required: true},
			{Name: "num_papers", Description: "Number of papers to find (default 5)"},
		},
	}, func(_ context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		topic := req.Params.Arguments["topic"]
		if topic == "" {
			return nil, fmt.Errorf("missing required argument: topic")
		}
		num := defaultMaxResults
		if raw := req.Params.Arguments["num_papers"]; raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("num_papers must be an integer: %q", raw)
			}
			num = n
		}
		return &mcp.GetPromptResult{
			Description: "Research prompt for " + topic,
			Messages: []*mcp.PromptMessage{{
				Role:    "user",
				Content: &mcp.TextContent{Text: SearchPrompt(topic, num)},
			}},
		}, nil
	})

	return server
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func markdownResult(uri, text string) *mcp.ReadResourceResult {
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "text/markdown",
			Text:     text,
		}},
	}
}
