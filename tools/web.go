package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxFetchBytes caps web responses fed back into prompts.
const maxFetchBytes = 512 * 1024

var webClient = &http.Client{Timeout: 30 * time.Second}

// FetchURLTool performs a size-capped HTTP GET.
type FetchURLTool struct{}

type fetchURLArgs struct {
	URL string `json:"url" jsonschema:"required,description=URL to fetch"`
}

func (t *FetchURLTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "fetch_url",
		Description: "Fetch a URL and return the response body",
		Family:      FamilyWeb,
		SideEffect:  SideEffectExternalIO,
		Parameters: []ToolParameter{
			{Name: "url", Type: "string", Description: "URL to fetch", Required: true},
		},
	}
}

func (t *FetchURLTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	var a fetchURLArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorResult("fetch_url", err.Error())
	}
	if !strings.HasPrefix(a.URL, "http://") && !strings.HasPrefix(a.URL, "https://") {
		return errorResult("fetch_url", "only http and https URLs are supported")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return errorResult("fetch_url", fmt.Sprintf("invalid URL: %v", err))
	}
	resp, err := webClient.Do(req)
	if err != nil {
		return errorResult("fetch_url", fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return errorResult("fetch_url", fmt.Sprintf("failed to read body: %v", err))
	}
	if resp.StatusCode >= 400 {
		return errorResult("fetch_url", fmt.Sprintf("server returned %d", resp.StatusCode))
	}
	return successResult("fetch_url", string(body))
}

// HTTPHeadersTool performs a HEAD request and reports response headers.
type HTTPHeadersTool struct{}

type httpHeadersArgs struct {
	URL string `json:"url" jsonschema:"required,description=URL to probe"`
}

func (t *HTTPHeadersTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "http_headers",
		Description: "Fetch HTTP response headers for a URL",
		Family:      FamilyWeb,
		SideEffect:  SideEffectExternalIO,
		Parameters: []ToolParameter{
			{Name: "url", Type: "string", Description: "URL to probe", Required: true},
		},
	}
}

func (t *HTTPHeadersTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	var a httpHeadersArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorResult("http_headers", err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.URL, nil)
	if err != nil {
		return errorResult("http_headers", fmt.Sprintf("invalid URL: %v", err))
	}
	resp, err := webClient.Do(req)
	if err != nil {
		return errorResult("http_headers", fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	headers := map[string]any{}
	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP %d\n", resp.StatusCode)
	for k, vs := range resp.Header {
		headers[k] = strings.Join(vs, ", ")
		fmt.Fprintf(&sb, "%s: %s\n", k, strings.Join(vs, ", "))
	}
	return valueResult("http_headers", sb.String(), headers)
}
