package engage

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ExtractedLink is one trackable anchor target found in the source HTML.
// Position is a dense 0-based index over trackable links only, in document
// order.
type ExtractedLink struct {
	URL      string `json:"url"`
	Position int    `json:"position"`
}

// Extraction and injection share walkAnchors below, so they see the same
// anchors at the same positions by construction. Anything else silently
// corrupts link attribution.

// ExtractLinks parses an HTML document and returns every absolute http(s)
// anchor target in document order. mailto:, tel:, relative, empty and
// malformed hrefs are skipped and do not consume a position. The parse is
// best-effort; malformed HTML never raises an error.
func ExtractLinks(src string) []ExtractedLink {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil
	}

	var links []ExtractedLink
	walkAnchors(doc, func(pos int, _ *html.Node, href string) {
		links = append(links, ExtractedLink{URL: href, Position: pos})
	})
	return links
}

// InjectTracking returns a copy of src with the open pixel appended and
// mapped anchors rewritten to their redirect URLs. When there is nothing to
// inject the input is returned unchanged, skipping re-serialization
// entirely.
func InjectTracking(src, pixelURL string, clickURLs map[int]string) (string, error) {
	if pixelURL == "" && len(clickURLs) == 0 {
		return src, nil
	}

	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	walkAnchors(doc, func(pos int, n *html.Node, _ string) {
		redirect, ok := clickURLs[pos]
		if !ok {
			return
		}
		for i := range n.Attr {
			if n.Attr[i].Key == "href" {
				n.Attr[i].Val = redirect
				return
			}
		}
	})

	if pixelURL != "" {
		parent := findElement(doc, "body")
		if parent == nil {
			parent = doc
		}
		parent.AppendChild(&html.Node{
			Type:     html.ElementNode,
			Data:     "img",
			DataAtom: atom.Img,
			Attr: []html.Attribute{
				{Key: "src", Val: pixelURL},
				{Key: "width", Val: "1"},
				{Key: "height", Val: "1"},
				{Key: "style", Val: "display:none;max-height:0;overflow:hidden"},
				{Key: "alt", Val: ""},
			},
		})
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}

	out := buf.String()
	if !hasDoctype(doc) {
		out = "<!DOCTYPE html>" + out
	}
	return out, nil
}

// walkAnchors does a depth-first walk over the parsed tree and invokes visit
// for every trackable anchor with its dense position index.
func walkAnchors(root *html.Node, visit func(pos int, n *html.Node, href string)) {
	pos := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				if href, ok := trackableHref(attr.Val); ok {
					visit(pos, n, href)
					pos++
				}
				break
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
}

// trackableHref reports whether a raw href is an absolute http(s) target,
// returning the trimmed URL. The scheme check is case-insensitive.
func trackableHref(raw string) (string, bool) {
	href := strings.TrimSpace(raw)
	if href == "" {
		return "", false
	}
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return href, true
	}
	return "", false
}

func findElement(n *html.Node, name string) *html.Node {
	if n.Type == html.ElementNode && n.Data == name {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, name); found != nil {
			return found
		}
	}
	return nil
}

func hasDoctype(doc *html.Node) bool {
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.DoctypeNode {
			return true
		}
	}
	return false
}
