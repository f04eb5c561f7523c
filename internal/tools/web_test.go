package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestWeb(t *testing.T, handler http.HandlerFunc, opts WebOptions) (Tool, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts.Client = srv.Client()
	return WebTools(opts)[0], srv.URL
}

const testPage = `<html><head><style>p{}</style><script>var x</script></head>
<body><h2>Release notes</h2><ul><li>Faster builds</li><li>Fewer bugs</li></ul><p>Thanks!</p></body></html>`

func TestFetchURLConvertsHTML(t *testing.T) {
	fetch, base := newTestWeb(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "extremis" {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(testPage))
	}, WebOptions{})

	got := execJSON(t, fetch, `{"url":"`+base+`/notes"}`)
	want := "## Release notes\n- Faster builds\n- Fewer bugs\nThanks!"
	if got["content"] != want {
		t.Fatalf("content = %q, want %q", got["content"], want)
	}
	if got["ok"] != true || got["status_code"].(float64) != 200 {
		t.Fatalf("unexpected result: %v", got)
	}

	text := execJSON(t, fetch, `{"url":"`+base+`/notes","format":"text"}`)
	if text["content"] != "Release notes\nFaster builds\nFewer bugs\nThanks!" {
		t.Fatalf("unexpected text: %q", text["content"])
	}
}

func TestFetchURLOmitsBinaryAndEnforcesLimit(t *testing.T) {
	fetch, base := newTestWeb(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/logo.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
		default:
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		}
	}, WebOptions{MaxBytes: 32})

	img := execJSON(t, fetch, `{"url":"`+base+`/logo.png"}`)
	if !strings.Contains(img["content"].(string), "binary content omitted") {
		t.Fatalf("expected binary summary, got %v", img)
	}

	_, err := fetch.Execute(context.Background(), json.RawMessage(`{"url":"`+base+`/big.txt"}`))
	if err == nil || !strings.Contains(err.Error(), "exceeds 32 bytes") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestFetchURLErrors(t *testing.T) {
	fetch, base := newTestWeb(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, WebOptions{})

	_, err := fetch.Execute(context.Background(), json.RawMessage(`{"url":"`+base+`"}`))
	if err == nil || !IsRetryable(err) {
		t.Fatalf("expected retryable error for 503, got %v", err)
	}
	if _, err := fetch.Execute(context.Background(), json.RawMessage(`{"url":"file:///etc/passwd"}`)); err == nil {
		t.Fatal("expected non-http scheme to be rejected")
	}
}
