package engage

import (
	"fmt"
	"strings"
	"testing"
)

func TestExtractLinks(t *testing.T) {
	html := `<html><body>
		<a href="https://example.com/one">one</a>
		<a href="mailto:someone@example.com">mail</a>
		<a href="tel:+15551234">call</a>
		<a href="/relative/path">rel</a>
		<a href="">empty</a>
		<a href="HTTP://EXAMPLE.COM/TWO">two</a>
		<a name="anchor-without-href">none</a>
		<div><p><a href=" https://example.com/three ">three</a></p></div>
	</body></html>`

	links := ExtractLinks(html)
	if len(links) != 3 {
		t.Fatalf("got %d links, want 3: %+v", len(links), links)
	}

	want := []string{"https://example.com/one", "HTTP://EXAMPLE.COM/TWO", "https://example.com/three"}
	for i, l := range links {
		if l.Position != i {
			t.Errorf("link %d: position = %d, want %d", i, l.Position, i)
		}
		if l.URL != want[i] {
			t.Errorf("link %d: url = %q, want %q", i, l.URL, want[i])
		}
	}
}

func TestExtractLinksDuplicateURLs(t *testing.T) {
	// Same URL at two positions is two links; identity is the position.
	html := `<body><a href="https://example.com/x">a</a><a href="https://example.com/x">b</a></body>`
	links := ExtractLinks(html)
	if len(links) != 2 {
		t.Fatalf("got %d links, want 2", len(links))
	}
	if links[0].Position != 0 || links[1].Position != 1 {
		t.Errorf("positions = %d,%d, want 0,1", links[0].Position, links[1].Position)
	}
}

func TestExtractLinksMalformedHTML(t *testing.T) {
	links := ExtractLinks(`<a href="https://example.com/ok">ok<div><a href="https://example.com/two"`)
	if len(links) == 0 {
		t.Fatal("best-effort parse should still find links")
	}
	if links[0].URL != "https://example.com/ok" {
		t.Errorf("url = %q", links[0].URL)
	}
}

func TestInjectTrackingNothingToInject(t *testing.T) {
	src := `<p>hello, <b>world</p>`
	out, err := InjectTracking(src, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != src {
		t.Errorf("input must be returned unchanged, got %q", out)
	}
}

func TestInjectTrackingPixel(t *testing.T) {
	out, err := InjectTracking(`<html><body><p>hi</p></body></html>`, "https://t.example.com/track-open/abc.png", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "<!DOCTYPE html>") {
		t.Errorf("missing doctype prefix: %q", out[:40])
	}
	if !strings.Contains(out, `<img src="https://t.example.com/track-open/abc.png" width="1" height="1"`) {
		t.Errorf("pixel not injected: %s", out)
	}
	// last child of body
	if !strings.Contains(out, `alt=""/></body>`) {
		t.Errorf("pixel not last child of body: %s", out)
	}
}

func TestInjectTrackingKeepsExistingDoctype(t *testing.T) {
	out, err := InjectTracking(`<!DOCTYPE html><html><body></body></html>`, "https://t.example.com/p.png", nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(strings.ToLower(out), "<!doctype") != 1 {
		t.Errorf("doctype duplicated: %s", out)
	}
}

func TestInjectTrackingRewritesMappedAnchors(t *testing.T) {
	src := `<html><body>
		<a href="https://example.com/one">one</a>
		<a href="mailto:x@example.com">mail</a>
		<a href="https://example.com/two">two</a>
	</body></html>`

	out, err := InjectTracking(src, "", map[int]string{
		0: "https://t.example.com/track-click/t0",
		1: "https://t.example.com/track-click/t1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `href="https://t.example.com/track-click/t0"`) {
		t.Errorf("position 0 not rewritten: %s", out)
	}
	if !strings.Contains(out, `href="https://t.example.com/track-click/t1"`) {
		t.Errorf("position 1 not rewritten: %s", out)
	}
	if !strings.Contains(out, `href="mailto:x@example.com"`) {
		t.Errorf("mailto anchor must stay untouched: %s", out)
	}
	if strings.Contains(out, "example.com/one") || strings.Contains(out, "example.com/two") {
		t.Errorf("original destinations must not remain inline: %s", out)
	}
}

func TestInjectTrackingPartialMap(t *testing.T) {
	src := `<body><a href="https://example.com/a">a</a><a href="https://example.com/b">b</a></body>`
	out, err := InjectTracking(src, "", map[int]string{1: "https://t.example.com/r1"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `href="https://example.com/a"`) {
		t.Errorf("unmapped anchor rewritten: %s", out)
	}
	if !strings.Contains(out, `href="https://t.example.com/r1"`) {
		t.Errorf("mapped anchor not rewritten: %s", out)
	}
}

// The N-th anchor the extractor sees must be the N-th anchor the injector
// rewrites. Rewrite with synthetic per-position URLs, re-extract, and check
// the positions line up.
func TestExtractInjectOrderEquivalence(t *testing.T) {
	src := `<html><body>
		<a href="tel:123">skip</a>
		<a href="https://example.com/0">l0</a>
		<div><a href="https://example.com/1">l1</a>
		<a href="ftp://example.com/no">skip</a></div>
		<table><tr><td><a href="https://example.com/2">l2</a></td></tr></table>
		<a href="https://example.com/3">l3</a>
	</body></html>`

	extracted := ExtractLinks(src)
	if len(extracted) != 4 {
		t.Fatalf("got %d links, want 4", len(extracted))
	}

	urls := map[int]string{}
	for _, l := range extracted {
		urls[l.Position] = fmt.Sprintf("https://t.example.com/r/%d", l.Position)
	}

	out, err := InjectTracking(src, "", urls)
	if err != nil {
		t.Fatal(err)
	}

	rewritten := ExtractLinks(out)
	if len(rewritten) != len(extracted) {
		t.Fatalf("rewritten doc has %d links, want %d", len(rewritten), len(extracted))
	}
	for i, l := range rewritten {
		want := fmt.Sprintf("https://t.example.com/r/%d", i)
		if l.URL != want {
			t.Errorf("position %d: url = %q, want %q", i, l.URL, want)
		}
	}
}
