package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// scrapeHTML walks the share's HTML directory pages. Links that stay on the
// same origin and point below the current page are followed; a trailing
// slash marks a directory. Any page that cannot be read fails the whole
// walk, since a partial catalog would later look like deleted files.
func (d *Discoverer) scrapeHTML(ctx context.Context, ep Endpoint) ([]Entry, error) {
	var out []Entry
	visited := map[string]bool{"": true}
	if err := d.scrapeDir(ctx, ep, "", 0, visited, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Discoverer) scrapeDir(ctx context.Context, ep Endpoint, rawDir string, depth int, visited map[string]bool, out *[]Entry) error {
	if depth > d.opts.MaxDepth {
		return fmt.Errorf("html-scrape: %q exceeds max depth %d", rawDir, d.opts.MaxDepth)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	pageURL := ep.PageURL(rawDir)
	data, err := d.client.GetBytes(ctx, pageURL, d.opts.MaxListingBytes)
	if err != nil {
		return fmt.Errorf("html-scrape: %w", err)
	}
	links, err := d.pageLinks(ep, pageURL, data)
	if err != nil {
		return fmt.Errorf("html-scrape: %q: %w", rawDir, err)
	}

	for _, l := range links {
		if !l.IsDir {
			*out = append(*out, l)
			continue
		}
		if visited[l.RawPath] {
			continue
		}
		visited[l.RawPath] = true
		if err := d.scrapeDir(ctx, ep, l.RawPath, depth+1, visited, out); err != nil {
			return err
		}
	}
	return nil
}

// pageLinks extracts the descendant links of a share page.
func (d *Discoverer) pageLinks(ep Endpoint, pageURL string, page []byte) ([]Entry, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, err
	}

	root := ep.PageURL("")
	rootURL, _ := url.Parse(root)
	sharePrefix := rootURL.EscapedPath()
	pagePrefix := base.EscapedPath()

	var out []Entry
	seen := make(map[string]bool)
	var visit func(n *html.Node) error
	visit = func(n *html.Node) error {
		if n.Type == html.ElementNode && n.Data == "a" {
			if href, ok := attr(n, "href"); ok {
				e, ok, err := resolveLink(base, href, sharePrefix, pagePrefix)
				if err != nil {
					return err
				}
				if ok && !seen[e.RawPath] {
					seen[e.RawPath] = true
					out = append(out, e)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if err := visit(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(doc); err != nil {
		return nil, err
	}
	return out, nil
}

// resolveLink turns an href into an entry when it names something strictly
// below the current page on the same origin.
func resolveLink(base *url.URL, href, sharePrefix, pagePrefix string) (Entry, bool, error) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "?") {
		return Entry{}, false, nil
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "javascript:") {
		return Entry{}, false, nil
	}

	ref, err := url.Parse(href)
	if err != nil {
		return Entry{}, false, nil
	}
	u := base.ResolveReference(ref)
	if u.Scheme != base.Scheme || u.Host != base.Host || u.RawQuery != "" {
		return Entry{}, false, nil
	}

	p := u.EscapedPath()
	if !strings.HasPrefix(p, pagePrefix) || len(p) == len(pagePrefix) {
		return Entry{}, false, nil
	}
	rel := strings.TrimPrefix(p, sharePrefix)
	isDir := strings.HasSuffix(rel, "/")

	e, err := newEntry(rel, 0, "", isDir)
	if err != nil {
		return Entry{}, false, err
	}
	if e.Path == "" {
		return Entry{}, false, nil
	}
	return e, true, nil
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
