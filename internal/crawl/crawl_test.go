package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func siteHandler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Home</title></head><body>
            <p>Welcome to Acme.</p>
            <a href="/about">About</a>
            <a href="/team">Team</a>
            <a href="mailto:x@acme.example">Mail</a>
        </body></html>`)
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>About</title></head><body>
            <script>var tracking = true;</script>
            <p>Acme builds widgets.</p>
            <a href="/team">Team</a>
        </body></html>`)
	})
	mux.HandleFunc("/team", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Team</title></head><body>
            <p>Founded by two people.</p>
            <a href="/">Home</a>
        </body></html>`)
	})
	return mux
}

func TestCrawl_InvalidStartURL(t *testing.T) {
	c := New()
	for _, raw := range []string{"", "notaurl", "ftp://x/"} {
		if _, err := c.Crawl(context.Background(), raw, 0, 0); !errors.Is(err, ErrInvalidStartURL) {
			t.Errorf("Crawl(%q) error = %v, want ErrInvalidStartURL", raw, err)
		}
	}
}

func TestCrawl_CollectsSameDomainPages(t *testing.T) {
	srv := httptest.NewServer(siteHandler(t))
	defer srv.Close()

	c := New(WithDelay(0))
	pages, err := c.Crawl(context.Background(), srv.URL+"/", 10, 3)
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("pages = %d, want 3: %+v", len(pages), pages)
	}
	if pages[0].Title != "Home" || !strings.Contains(pages[0].Text, "Welcome to Acme.") {
		t.Errorf("first page = %+v", pages[0])
	}
	for _, p := range pages {
		if strings.Contains(p.Text, "tracking") {
			t.Errorf("script text leaked into %s", p.URL)
		}
	}
}

func TestCrawl_MaxPagesBound(t *testing.T) {
	srv := httptest.NewServer(siteHandler(t))
	defer srv.Close()

	c := New(WithDelay(0))
	pages, err := c.Crawl(context.Background(), srv.URL+"/", 1, 3)
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if len(pages) != 1 {
		t.Errorf("pages = %d, want 1", len(pages))
	}
}

func TestCrawl_DepthBound(t *testing.T) {
	mux := http.NewServeMux()
	for i := 0; i < 6; i++ {
		i := i
		path := fmt.Sprintf("/d%d", i)
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `<html><body><p>depth %d text</p><a href="/d%d">next</a></body></html>`, i, i+1)
		})
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(WithDelay(0))
	pages, err := c.Crawl(context.Background(), srv.URL+"/d0", 50, 2)
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if len(pages) != 3 {
		t.Errorf("pages = %d, want 3 (depth 0..2)", len(pages))
	}
	for _, p := range pages {
		if p.Depth > 2 {
			t.Errorf("page %s at depth %d", p.URL, p.Depth)
		}
	}
}

func TestCrawl_StaysOnDomain(t *testing.T) {
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("off-domain server was visited")
	}))
	defer other.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><p>main page text</p><a href="%s/evil">off-site</a></body></html>`, other.URL)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(WithDelay(0))
	pages, err := c.Crawl(context.Background(), srv.URL+"/", 10, 3)
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	u, _ := url.Parse(srv.URL)
	for _, p := range pages {
		pu, _ := url.Parse(p.URL)
		if pu.Hostname() != u.Hostname() {
			t.Errorf("crawled off-domain page %s", p.URL)
		}
	}
}

func TestReadableText(t *testing.T) {
	title, text := readableText(`<html><head><title> T </title></head><body>
        <nav>menu menu</nav>
        <p>Real   content
        here.</p>
    </body></html>`)
	if title != "T" {
		t.Errorf("title = %q", title)
	}
	if text != "Real content\nhere." && !strings.Contains(text, "Real content") {
		t.Errorf("text = %q", text)
	}
	if strings.Contains(text, "menu") {
		t.Error("nav text not stripped")
	}
}
