package tools

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	md "github.com/JohannesKaufmann/html-to-markdown"
)

// fetchMaxBytes caps how much of a response body fetch_url will read, so a
// runaway response can't exhaust memory.
const fetchMaxBytes = 4 << 20 // 4 MiB

var noiseSelectors = []string{"script", "style", "noscript", "iframe", "header", "footer", "nav", "aside", "form"}

// FetchURLDescriptor describes fetch_url: retrieve a page and return its
// main content as Markdown. Per spec §1 this is explicitly a thin
// "external collaborator" implementation, not a production-grade scraper —
// it exists to exercise the registry's dispatch/timeout/validation path.
func FetchURLDescriptor(timeoutSeconds int) Descriptor {
	return Descriptor{
		Name:        "fetch_url",
		Description: "Fetch a web page and return its main content converted to Markdown.",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string", "description": "Absolute http(s) URL to fetch."},
			},
			"additionalProperties": false,
		},
		RequiredParams: []string{"url"},
		TimeoutSeconds: timeoutSeconds,
		Pure:           true,
		RetryOnTimeout: true,
	}
}

// NewFetchURLHandler builds fetch_url's Handler over a shared http.Client.
func NewFetchURLHandler(client *http.Client) Handler {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return func(tc Context, args map[string]any) (Result, error) {
		raw, _ := args["url"].(string)
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return failResult(&DispatchError{Kind: ErrArgumentValidation, Detail: "url must be an absolute http(s) URL", Fields: []string{"url"}}), nil
		}

		req, err := http.NewRequestWithContext(tc.Ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return Result{}, fmt.Errorf("fetch_url: %w", err)
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; agentserver/1.0)")

		resp, err := client.Do(req)
		if err != nil {
			return failResult(&DispatchError{Kind: ErrHandlerFailure, Detail: err.Error()}), nil
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes+1))
		if err != nil {
			return Result{}, fmt.Errorf("fetch_url: read body: %w", err)
		}
		if len(body) > fetchMaxBytes {
			return failResult(&DispatchError{Kind: ErrHandlerFailure, Detail: fmt.Sprintf("response exceeds %d bytes", fetchMaxBytes)}), nil
		}

		markdown, title, err := toMarkdown(string(body), resp.Header.Get("Content-Type"))
		if err != nil {
			return failResult(&DispatchError{Kind: ErrHandlerFailure, Detail: err.Error()}), nil
		}

		payload, merr := json.Marshal(map[string]any{
			"url":      u.String(),
			"status":   resp.StatusCode,
			"title":    title,
			"markdown": markdown,
		})
		if merr != nil {
			return Result{}, fmt.Errorf("fetch_url: marshal result: %w", merr)
		}
		return Result{Status: "success", Data: payload}, nil
	}
}

// toMarkdown extracts the body's main content (stripped of chrome/script
// nodes) and converts it to Markdown. Non-HTML content is fenced verbatim.
func toMarkdown(body, contentType string) (markdown, title string, err error) {
	if !strings.Contains(contentType, "html") && contentType != "" {
		lang := "text"
		if strings.Contains(contentType, "json") {
			lang = "json"
		}
		return fmt.Sprintf("```%s\n%s\n```", lang, strings.TrimSpace(body)), "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find(strings.Join(noiseSelectors, ", ")).Remove()

	contentHTML, err := doc.Find("body").Html()
	if err != nil || strings.TrimSpace(contentHTML) == "" {
		contentHTML, _ = doc.Selection.Html()
	}

	conv := md.NewConverter("", true, nil)
	out, err := conv.ConvertString(contentHTML)
	if err != nil {
		return "", "", fmt.Errorf("html to markdown: %w", err)
	}
	out = strings.TrimSpace(out)
	if title != "" && !strings.HasPrefix(out, "# ") {
		out = "# " + title + "\n\n" + out
	}
	return out, title, nil
}

// WebSearchDescriptor describes web_search. Per spec §1 non-goals, no search
// backend is wired; this is a clearly marked external-collaborator stub that
// still exercises the full dispatch/timeout/validation contract.
func WebSearchDescriptor(timeoutSeconds int) Descriptor {
	return Descriptor{
		Name:        "web_search",
		Description: "Search the web for a query. Stubbed: returns no external collaborator is configured.",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"additionalProperties": false,
		},
		RequiredParams: []string{"query"},
		TimeoutSeconds: timeoutSeconds,
		Pure:           true,
		RetryOnTimeout: false,
	}
}

// NewWebSearchHandler returns the stub handler described above.
func NewWebSearchHandler() Handler {
	return func(tc Context, args map[string]any) (Result, error) {
		query, _ := args["query"].(string)
		payload, _ := json.Marshal(map[string]any{
			"query":   query,
			"results": []any{},
			"note":    "no search backend is configured in this deployment; wire a provider (e.g. SearXNG) behind this handler to enable results",
		})
		return Result{Status: "success", Data: payload}, nil
	}
}
