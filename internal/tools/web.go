package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	webFetchTimeout = 30 * time.Second
	maxWebBody      = 512 * 1024
)

// WebFetchTool fetches a URL and returns its text content.
type WebFetchTool struct {
	client *http.Client
}

// NewWebFetchTool creates the tool with a bounded HTTP client.
func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{client: &http.Client{Timeout: webFetchTimeout}}
}

func (*WebFetchTool) Name() string { return "web_fetch" }

func (*WebFetchTool) Description() string {
	return "Fetch a URL over HTTP GET and return its text content. HTML is stripped to readable text."
}

func (*WebFetchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "http(s) URL to fetch"}
		},
		"required": ["url"]
	}`)
}

func (*WebFetchTool) Permission() Permission { return ReadOnly }

func (*WebFetchTool) Summarize(args json.RawMessage) string { return firstStringArg(args, "url") }

func (t *WebFetchTool) Execute(ctx context.Context, args json.RawMessage, _ *Context) (*Result, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ErrorResult("invalid arguments: " + err.Error()), nil
	}
	if !strings.HasPrefix(params.URL, "http://") && !strings.HasPrefix(params.URL, "https://") {
		return ErrorResult("url must be http or https"), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return ErrorResult("build request: " + err.Error()), nil
	}
	req.Header.Set("User-Agent", "nyzhi/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult("fetch: " + err.Error()), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrorResult(fmt.Sprintf("fetch %s: HTTP %d", params.URL, resp.StatusCode)), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebBody))
	if err != nil {
		return ErrorResult("read body: " + err.Error()), nil
	}

	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		text = stripHTML(text)
	}
	return &Result{
		Output: text,
		Title:  fmt.Sprintf("fetch %s (%d bytes)", params.URL, len(text)),
	}, nil
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

func stripHTML(html string) string {
	text := scriptRe.ReplaceAllString(html, "")
	text = tagRe.ReplaceAllString(text, "")
	text = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ").Replace(text)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	return strings.TrimSpace(blankRe.ReplaceAllString(text, "\n\n"))
}
