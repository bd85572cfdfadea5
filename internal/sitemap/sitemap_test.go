package sitemap

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/scrutari/scrutari/internal/fetch"
)

const plainSitemap = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://acme.example/about</loc></url>
  <url><loc>https://acme.example/pricing</loc></url>
</urlset>`

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	return NewResolver(fetch.NewClient(), WithPolicy(fetch.Policy{}))
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

func brotliBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

func zlibBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

func flateBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, _ := flate.NewWriter(&buf, flate.DefaultCompression)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

func TestDecodeBody_CompressionFallback(t *testing.T) {
	plain := []byte(plainSitemap)

	cases := []struct {
		name string
		body []byte
	}{
		{"plain", plain},
		{"gzip", gzipBytes(t, plain)},
		{"brotli", brotliBytes(t, plain)},
		{"deflate", zlibBytes(t, plain)},
		{"deflate-raw", flateBytes(t, plain)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeBody(tc.body)
			if err != nil {
				t.Fatalf("decodeBody: %v", err)
			}
			if string(got) != plainSitemap {
				t.Errorf("decoded body mismatch:\n%s", got)
			}
		})
	}
}

func TestDecodeBody_RejectsGarbage(t *testing.T) {
	cases := [][]byte{
		[]byte("this is just text, not xml"),
		{0x00, 0x01, 0x02, 0xff, 0xfe, 0x88, 0x99},
		gzipBytes(t, []byte("gzipped but not xml either")),
	}
	for i, body := range cases {
		if _, err := decodeBody(body); !errors.Is(err, ErrInvalidResponseShape) {
			t.Errorf("case %d: error = %v, want ErrInvalidResponseShape", i, err)
		}
	}
}

func TestParseRobots(t *testing.T) {
	body := []byte(strings.Join([]string{
		"User-agent: *",
		"Disallow: /admin",
		"Sitemap: https://acme.example/sitemap.xml",
		"sitemap:   https://acme.example/news.xml  ",
		"SITEMAP: https://acme.example/extra.xml",
		"# sitemap: https://acme.example/commented.xml",
	}, "\n"))

	seeds := parseRobots(body)
	want := []string{
		"https://acme.example/sitemap.xml",
		"https://acme.example/news.xml",
		"https://acme.example/extra.xml",
	}
	if len(seeds) != len(want) {
		t.Fatalf("got %d seeds %v, want %d", len(seeds), seeds, len(want))
	}
	for i := range want {
		if seeds[i] != want[i] {
			t.Errorf("seed %d = %q, want %q", i, seeds[i], want[i])
		}
	}
}

func TestParseSitemap_IndexAndURLSet(t *testing.T) {
	index := []byte(`<?xml version="1.0"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>/sitemaps/posts.xml</loc></sitemap>
  <sitemap><loc>https://acme.example/sitemaps/pages.xml</loc></sitemap>
</sitemapindex>`)

	children, pages, err := parseSitemap(index, "https://acme.example/sitemap.xml")
	if err != nil {
		t.Fatalf("parse index: %v", err)
	}
	if len(pages) != 0 {
		t.Errorf("index should yield no pages, got %v", pages)
	}
	if len(children) != 2 || children[0] != "https://acme.example/sitemaps/posts.xml" {
		t.Errorf("children = %v", children)
	}

	_, pages, err = parseSitemap([]byte(plainSitemap), "https://acme.example/sitemap.xml")
	if err != nil {
		t.Fatalf("parse urlset: %v", err)
	}
	if len(pages) != 2 {
		t.Errorf("pages = %v, want 2 entries", pages)
	}
}

// TestDiscover_CyclicIndexTerminates feeds the resolver an index that
// references itself and an ever-growing family of children. Discovery must
// stop at the processing cap and still return the pages it saw.
func TestDiscover_CyclicIndexTerminates(t *testing.T) {
	var served atomic.Int32

	mux := http.NewServeMux()
	var srv *httptest.Server
	srv = httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Sitemap: %s/sitemap.xml\n", srv.URL)
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		fmt.Fprintf(w, `<?xml version="1.0"?><sitemapindex>
			<sitemap><loc>%s/sitemap.xml</loc></sitemap>
			<sitemap><loc>%s/child/1.xml</loc></sitemap>
		</sitemapindex>`, srv.URL, srv.URL)
	})
	mux.HandleFunc("/child/", func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		n := served.Load()
		// Every child is an index pointing at two fresh children plus a
		// page, so the frontier grows without bound.
		fmt.Fprintf(w, `<?xml version="1.0"?><sitemapindex>
			<sitemap><loc>%s/child/%d-a.xml</loc></sitemap>
			<sitemap><loc>%s/child/%d-b.xml</loc></sitemap>
		</sitemapindex>`, srv.URL, n, srv.URL, n)
	})

	r := newTestResolver(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pages, err := r.Discover(ctx, srv.URL)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if served.Load() > maxSitemaps {
		t.Errorf("served %d sitemaps, cap is %d", served.Load(), maxSitemaps)
	}
	_ = pages // indexes only; no pages expected
}

func TestDiscover_DomainFiltering(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	srvHost := srv.Listener.Addr().String()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Sitemap: %s/sitemap.xml\n", srv.URL)
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0"?><urlset>
			<url><loc>%s/keep-me</loc></url>
			<url><loc>https://evil.example/drop-me</loc></url>
			<url><loc>/relative-keeps-authority</loc></url>
		</urlset>`, srv.URL)
	})

	r := newTestResolver(t)
	pages, err := r.Discover(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if len(pages) != 2 {
		t.Fatalf("pages = %v, want 2", pages)
	}
	for _, p := range pages {
		u, err := url.Parse(p)
		if err != nil {
			t.Fatalf("bad page URL %q", p)
		}
		if u.Host != srvHost {
			t.Errorf("page %q escaped target authority %q", p, srvHost)
		}
	}
}

// TestDiscover_GzipServedRobots covers origins that honor the advertised
// Accept-Encoding on every response, robots.txt included. The Sitemap:
// directive must survive the encoded round trip.
func TestDiscover_GzipServedRobots(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	srv = httptest.NewServer(mux)
	defer srv.Close()

	serveGzip := func(w http.ResponseWriter, r *http.Request, body string) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			t.Errorf("request for %s did not advertise gzip", r.URL.Path)
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(gzipBytes(t, []byte(body)))
	}

	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		serveGzip(w, r, fmt.Sprintf("User-agent: *\nSitemap: %s/sitemap.xml\n", srv.URL))
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		serveGzip(w, r, fmt.Sprintf(`<?xml version="1.0"?><urlset>
			<url><loc>%s/about</loc></url>
			<url><loc>%s/pricing</loc></url>
		</urlset>`, srv.URL, srv.URL))
	})

	r := newTestResolver(t)
	pages, err := r.Discover(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("pages = %v, want the 2 urlset entries", pages)
	}
}

func TestDiscover_DepthLimit(t *testing.T) {
	var deepest atomic.Int32

	mux := http.NewServeMux()
	var srv *httptest.Server
	srv = httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Sitemap: %s/level/0.xml\n", srv.URL)
	})
	mux.HandleFunc("/level/", func(w http.ResponseWriter, r *http.Request) {
		var level int32
		fmt.Sscanf(r.URL.Path, "/level/%d.xml", &level)
		if level > deepest.Load() {
			deepest.Store(level)
		}
		fmt.Fprintf(w, `<?xml version="1.0"?><sitemapindex>
			<sitemap><loc>%s/level/%d.xml</loc></sitemap>
		</sitemapindex>`, srv.URL, level+1)
	})

	r := newTestResolver(t)
	if _, err := r.Discover(context.Background(), srv.URL); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if deepest.Load() >= maxDepth {
		t.Errorf("descended to level %d, depth cap is %d", deepest.Load(), maxDepth)
	}
}

func TestPageListRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.json")
	want := []string{"https://acme.example/a", "https://acme.example/b"}

	if err := SavePageList(path, want); err != nil {
		t.Fatalf("SavePageList: %v", err)
	}

	got, ok := LoadPageList(path, time.Hour)
	if !ok {
		t.Fatal("LoadPageList returned miss for fresh entry")
	}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("pages = %v, want %v", got, want)
	}

	if _, ok := LoadPageList(path, time.Nanosecond); ok {
		t.Error("expired page list should be a miss")
	}
}
