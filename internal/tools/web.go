package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const WebConnector = "web"

// WebOptions configures the fetch tool. Zero values use the defaults below.
type WebOptions struct {
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

const (
	defaultWebTimeout  = 30 * time.Second
	defaultWebMaxBytes = 2 << 20
	// maxWebTextBytes bounds the text handed back to the model.
	maxWebTextBytes = 256 * 1024
)

// WebTools 暴露只读的网页抓取；HTML 会被转换成 markdown 或纯文本
// WebTools exposes a GET-only fetch. HTML is reduced to markdown or plain text,
// binary bodies are summarized instead of inlined.
func WebTools(opts WebOptions) []Tool {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultWebTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultWebMaxBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "extremis"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	w := &webConnector{client: client, opts: opts}
	return []Tool{
		&funcTool{
			def: functionDef("fetch_url", "Fetch an http or https URL with GET. HTML is returned as markdown unless format is text or html.",
				map[string]any{
					"url":    map[string]any{"type": "string"},
					"format": map[string]any{"type": "string", "enum": []string{"markdown", "text", "html"}},
				}, "url"),
			run: w.fetch,
		},
	}
}

type webConnector struct {
	client *http.Client
	opts   WebOptions
}

func (w *webConnector) fetch(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		URL    string `json:"url"`
		Format string `json:"format"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	u, err := url.Parse(strings.TrimSpace(in.URL))
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("url must use http or https")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", w.opts.UserAgent)
	resp, err := w.client.Do(req)
	if err != nil {
		return "", Retryable(fmt.Errorf("fetch %s: %w", u.Host, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, w.opts.MaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > w.opts.MaxBytes {
		return "", fmt.Errorf("response exceeds %d bytes", w.opts.MaxBytes)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", Retryable(fmt.Errorf("fetch %s: status %d", u.Host, resp.StatusCode))
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	var content string
	switch {
	case !isTextMediaType(mediaType):
		content = fmt.Sprintf("binary content omitted (type=%s, %d bytes)", mediaType, len(body))
	case isHTMLMediaType(mediaType):
		switch strings.ToLower(strings.TrimSpace(in.Format)) {
		case "html":
			content = string(body)
		case "text":
			content = htmlText(string(body), false)
		default:
			content = htmlText(string(body), true)
		}
	default:
		content = string(body)
	}
	truncated := len(content) > maxWebTextBytes
	if truncated {
		content = content[:maxWebTextBytes]
	}
	return mustJSON(map[string]any{
		"ok":           resp.StatusCode < 400,
		"url":          u.String(),
		"status_code":  resp.StatusCode,
		"content_type": contentType,
		"content":      content,
		"truncated":    truncated,
	}), nil
}

func isHTMLMediaType(mediaType string) bool {
	mt := strings.ToLower(mediaType)
	return mt == "text/html" || mt == "application/xhtml+xml" || strings.HasSuffix(mt, "+html")
}

// isTextMediaType treats an undeclared type as text.
func isTextMediaType(mediaType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if mt == "" || strings.HasPrefix(mt, "text/") || isHTMLMediaType(mt) {
		return true
	}
	switch mt {
	case "application/json", "application/xml", "application/javascript":
		return true
	}
	return strings.HasSuffix(mt, "+json") || strings.HasSuffix(mt, "+xml")
}

// htmlText extracts visible text, one text node per line. With markdown set,
// headings and list items keep their markers.
func htmlText(src string, markdown bool) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return src
	}
	var b strings.Builder
	var walk func(n *html.Node, prefix string)
	walk = func(n *html.Node, prefix string) {
		if n.Type == html.ElementNode {
			switch strings.ToLower(n.Data) {
			case "script", "style", "noscript", "iframe", "object", "embed", "svg":
				return
			case "h1", "h2", "h3", "h4", "h5", "h6":
				if markdown {
					prefix = strings.Repeat("#", int(n.Data[1]-'0')) + " "
				}
			case "li":
				if markdown {
					prefix = "- "
				}
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(prefix)
				b.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, prefix)
		}
	}
	walk(doc, "")
	return b.String()
}
