package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	shttp "github.com/Hoyotoon/HoyoToon-sub001/internal/http"
)

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:getcontentlength/>
    <d:getetag/>
    <d:resourcetype/>
  </d:prop>
</d:propfind>`

type davMultistatus struct {
	Responses []davResponse `xml:"DAV: response"`
}

type davResponse struct {
	Href      string        `xml:"DAV: href"`
	Propstats []davPropstat `xml:"DAV: propstat"`
}

type davPropstat struct {
	Status string  `xml:"DAV: status"`
	Prop   davProp `xml:"DAV: prop"`
}

type davProp struct {
	ContentLength string `xml:"DAV: getcontentlength"`
	ETag          string `xml:"DAV: getetag"`
	ResourceType  struct {
		Collection *struct{} `xml:"DAV: collection"`
	} `xml:"DAV: resourcetype"`
}

// listWebDAV lists the share through its public WebDAV root. A single
// Depth: infinity PROPFIND is tried first; servers that refuse it get a
// recursive Depth: 1 walk instead.
func (d *Discoverer) listWebDAV(ctx context.Context, ep Endpoint) ([]Entry, error) {
	entries, err := d.propfind(ctx, ep, "", "infinity")
	if err == nil {
		return filesOnly(entries), nil
	}
	switch shttp.StatusCode(err) {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotImplemented:
		d.log.Debug("depth infinity refused, walking", zap.Error(err))
	default:
		return nil, err
	}

	var out []Entry
	visited := make(map[string]bool)
	if err := d.walkWebDAV(ctx, ep, "", 0, visited, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Discoverer) walkWebDAV(ctx context.Context, ep Endpoint, rawDir string, depth int, visited map[string]bool, out *[]Entry) error {
	if depth > d.opts.MaxDepth {
		return fmt.Errorf("webdav: %q exceeds max depth %d", rawDir, d.opts.MaxDepth)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := d.propfind(ctx, ep, rawDir, "1")
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir {
			*out = append(*out, e)
			continue
		}
		if visited[e.Path] {
			continue
		}
		visited[e.Path] = true
		if err := d.walkWebDAV(ctx, ep, e.RawPath, depth+1, visited, out); err != nil {
			return err
		}
	}
	return nil
}

// propfind issues one PROPFIND for rawDir and returns its members. The
// collection itself is left out.
func (d *Discoverer) propfind(ctx context.Context, ep Endpoint, rawDir, depth string) ([]Entry, error) {
	rawDir = strings.Trim(rawDir, "/")
	target := ep.webdavURL(rawDir)
	if rawDir != "" {
		target += "/"
	}

	header := http.Header{}
	header.Set("Depth", depth)
	header.Set("Content-Type", "application/xml; charset=utf-8")

	resp, err := d.client.Do(ctx, "PROPFIND", target, header, []byte(propfindBody))
	if err != nil {
		return nil, fmt.Errorf("webdav: propfind %q: %w", rawDir, err)
	}
	defer resp.Body.Close()

	var ms davMultistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("webdav: decode %q: %w", rawDir, err)
	}

	self, err := newEntry(rawDir, 0, "", true)
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, r := range ms.Responses {
		rel, ok := relativeHref(r.Href)
		if !ok {
			continue
		}
		prop, ok := r.okProp()
		if !ok {
			continue
		}
		size, _ := strconv.ParseInt(strings.TrimSpace(prop.ContentLength), 10, 64)
		e, err := newEntry(rel, size, prop.ETag, prop.ResourceType.Collection != nil)
		if err != nil {
			return nil, fmt.Errorf("webdav: %w", err)
		}
		if e.Path == "" || e.Path == self.Path {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// okProp returns the properties reported with a 200 status.
func (r davResponse) okProp() (davProp, bool) {
	for _, ps := range r.Propstats {
		fields := strings.Fields(ps.Status)
		if len(fields) >= 2 && fields[1] == "200" {
			return ps.Prop, true
		}
	}
	return davProp{}, false
}

// relativeHref strips the WebDAV root from an href, which may be absolute
// or a bare path. The result stays percent-encoded.
func relativeHref(href string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", false
	}
	p := u.EscapedPath()
	idx := strings.Index(p, webdavPath)
	if idx < 0 {
		if p+"/" == webdavPath {
			return "", true
		}
		return "", false
	}
	return strings.Trim(p[idx+len(webdavPath):], "/"), true
}

func filesOnly(entries []Entry) []Entry {
	out := entries[:0]
	for _, e := range entries {
		if !e.IsDir {
			out = append(out, e)
		}
	}
	return out
}
