// Package testutils provides shared test infrastructure: an in-process fake
// of the remote file share and, behind the integration build tag, a real
// WebDAV server and a Minio bucket in containers.
package testutils

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/pathutil"
)

// PageStyle selects how the fake listing API paginates.
type PageStyle int

const (
	// CursorPages returns a next_token while more files remain.
	CursorPages PageStyle = iota
	// NumberedPages returns full pages and expects page+1 to be requested.
	NumberedPages
)

const webdavPrefix = "/public.php/webdav/"

// File is one file served by a fake share.
type File struct {
	Data []byte
	ETag string
}

// Share is one share hosted by a ShareServer. Its fields may be changed
// between requests; they are read under the server lock.
type Share struct {
	ID       string
	Password string

	// Surfaces that answer. Disabled surfaces respond 404.
	API    bool
	WebDAV bool
	HTML   bool

	// DepthInfinity allows PROPFIND with Depth: infinity. When false the
	// server answers 403 and clients must walk.
	DepthInfinity bool

	PageStyle PageStyle
	PageSize  int

	// FailDownloads makes GETs of these decoded paths answer 500.
	FailDownloads map[string]bool

	files map[string]File
	srv   *ShareServer
}

// ShareServer is an httptest server speaking the share protocols: the JSON
// listing API, public WebDAV, HTML directory pages and file downloads.
type ShareServer struct {
	*httptest.Server

	// DownloadDelay is slept while a download is in flight.
	DownloadDelay time.Duration

	mu          sync.Mutex
	shares      map[string]*Share
	downloads   map[string]int
	apiRequests int
	inFlight    int
	maxInFlight int
}

// NewShareServer starts a server that is closed when the test ends.
func NewShareServer(t testing.TB) *ShareServer {
	t.Helper()
	s := &ShareServer{
		shares:    make(map[string]*Share),
		downloads: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/file", s.handleAPI)
	mux.HandleFunc(webdavPrefix, s.handleWebDAV)
	mux.HandleFunc("/s/", s.handlePage)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// AddShare registers a share with every surface enabled.
func (s *ShareServer) AddShare(id, password string) *Share {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh := &Share{
		ID:            id,
		Password:      password,
		API:           true,
		WebDAV:        true,
		HTML:          true,
		DepthInfinity: true,
		PageSize:      100,
		FailDownloads: make(map[string]bool),
		files:         make(map[string]File),
		srv:           s,
	}
	s.shares[id] = sh
	return sh
}

// URL returns the share URL clients are configured with.
func (sh *Share) URL() string {
	u := sh.srv.URL + "/s/" + url.PathEscape(sh.ID)
	if sh.Password != "" {
		u += "/" + url.PathEscape(sh.Password)
	}
	return u
}

// Put adds or replaces a file under its decoded path.
func (sh *Share) Put(p string, data []byte, etag string) {
	sh.srv.mu.Lock()
	defer sh.srv.mu.Unlock()
	sh.files[pathutil.Normalize(p)] = File{Data: data, ETag: etag}
}

// Remove deletes a file from the share.
func (sh *Share) Remove(p string) {
	sh.srv.mu.Lock()
	defer sh.srv.mu.Unlock()
	delete(sh.files, pathutil.Normalize(p))
}

// Configure runs fn under the server lock.
func (sh *Share) Configure(fn func(*Share)) {
	sh.srv.mu.Lock()
	defer sh.srv.mu.Unlock()
	fn(sh)
}

// Downloads returns how often the decoded path of share id was fetched.
func (s *ShareServer) Downloads(id, p string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloads[id+"/"+pathutil.Normalize(p)]
}

// TotalDownloads returns the number of file GETs served.
func (s *ShareServer) TotalDownloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.downloads {
		n += c
	}
	return n
}

// APIRequests returns the number of listing API calls served.
func (s *ShareServer) APIRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiRequests
}

// MaxConcurrentDownloads returns the highest number of downloads that were
// in flight at the same time.
func (s *ShareServer) MaxConcurrentDownloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

type child struct {
	name  string
	isDir bool
	file  File
}

// children lists the direct members of a decoded directory, folders first.
func (sh *Share) children(dir string) ([]child, bool) {
	seen := make(map[string]bool)
	var out []child
	found := dir == ""
	for p, f := range sh.files {
		rest := p
		if dir != "" {
			if !strings.HasPrefix(p, dir+"/") {
				continue
			}
			rest = strings.TrimPrefix(p, dir+"/")
		}
		found = true
		name, _, nested := strings.Cut(rest, "/")
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, child{name: name, isDir: nested, file: f})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].isDir != out[j].isDir {
			return out[i].isDir
		}
		return out[i].name < out[j].name
	})
	return out, found
}

// descendants lists every file and directory below dir.
func (sh *Share) descendants(dir string) []string {
	dirs := make(map[string]bool)
	var out []string
	for p := range sh.files {
		if dir != "" && !strings.HasPrefix(p, dir+"/") {
			continue
		}
		out = append(out, p)
		for d := parentDir(p); d != dir && d != ""; d = parentDir(d) {
			dirs[d] = true
		}
	}
	for d := range dirs {
		out = append(out, d+"/")
	}
	sort.Strings(out)
	return out
}

func parentDir(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i]
}

func (s *ShareServer) handleAPI(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiRequests++

	uri, err := url.Parse(r.URL.Query().Get("uri"))
	if err != nil || uri.User == nil {
		http.Error(w, "bad uri", http.StatusBadRequest)
		return
	}
	sh, ok := s.shares[uri.User.Username()]
	if !ok || !sh.API {
		http.NotFound(w, r)
		return
	}
	if pw, _ := uri.User.Password(); pw != sh.Password {
		writeJSON(w, map[string]any{"code": 40001, "msg": "incorrect share password"})
		return
	}

	kids, found := sh.children(pathutil.Normalize(uri.Path))
	if !found {
		writeJSON(w, map[string]any{"code": 40016, "msg": "path not found"})
		return
	}

	size := sh.PageSize
	if size <= 0 {
		size = len(kids) + 1
	}
	offset := 0
	page := 0
	if tok := r.URL.Query().Get("next_page_token"); tok != "" {
		offset, _ = strconv.Atoi(tok)
	} else {
		page, _ = strconv.Atoi(r.URL.Query().Get("page"))
		offset = page * size
	}
	if offset > len(kids) {
		offset = len(kids)
	}
	end := min(offset+size, len(kids))

	files := make([]map[string]any, 0, end-offset)
	for _, c := range kids[offset:end] {
		f := map[string]any{"type": 0, "name": c.name, "size": len(c.file.Data), "primary_entity": c.file.ETag}
		if c.isDir {
			f = map[string]any{"type": 1, "name": c.name, "size": 0}
		}
		files = append(files, f)
	}

	pagination := map[string]any{"page": page, "page_size": size, "is_cursor": sh.PageStyle == CursorPages}
	if sh.PageStyle == CursorPages && end < len(kids) {
		pagination["next_token"] = strconv.Itoa(end)
	}
	writeJSON(w, map[string]any{
		"code": 0,
		"data": map[string]any{"files": files, "pagination": pagination},
	})
}

func (s *ShareServer) handleWebDAV(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	user, pass, _ := r.BasicAuth()
	sh, ok := s.shares[user]
	if !ok || !sh.WebDAV {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	if pass != sh.Password {
		s.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	p := pathutil.Normalize(strings.TrimPrefix(r.URL.Path, webdavPrefix))

	switch r.Method {
	case "PROPFIND":
		defer s.mu.Unlock()
		s.propfind(w, r, sh, p)
	case http.MethodGet, http.MethodHead:
		s.serveFile(w, r, sh, p)
	default:
		s.mu.Unlock()
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// serveFile is entered with the lock held and releases it.
func (s *ShareServer) serveFile(w http.ResponseWriter, r *http.Request, sh *Share, p string) {
	f, ok := sh.files[p]
	fail := sh.FailDownloads[p]
	if !ok {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	w.Header().Set("ETag", `"`+f.ETag+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	if r.Method == http.MethodHead {
		s.mu.Unlock()
		return
	}

	s.downloads[sh.ID+"/"+p]++
	s.inFlight++
	s.maxInFlight = max(s.maxInFlight, s.inFlight)
	delay := s.DownloadDelay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		w.Header().Del("Content-Length")
		http.Error(w, "storage backend unavailable", http.StatusInternalServerError)
		return
	}
	w.Write(f.Data)
}

func (s *ShareServer) propfind(w http.ResponseWriter, r *http.Request, sh *Share, p string) {
	depth := r.Header.Get("Depth")
	if depth == "infinity" && !sh.DepthInfinity {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n" + `<d:multistatus xmlns:d="DAV:">`)

	if f, ok := sh.files[p]; ok {
		writeDAVFile(&b, p, f)
	} else {
		kids, found := sh.children(p)
		if !found {
			http.NotFound(w, r)
			return
		}
		writeDAVDir(&b, p)
		if depth == "infinity" {
			for _, d := range sh.descendants(p) {
				if strings.HasSuffix(d, "/") {
					writeDAVDir(&b, strings.TrimSuffix(d, "/"))
				} else {
					writeDAVFile(&b, d, sh.files[d])
				}
			}
		} else {
			for _, c := range kids {
				full := c.name
				if p != "" {
					full = p + "/" + c.name
				}
				if c.isDir {
					writeDAVDir(&b, full)
				} else {
					writeDAVFile(&b, full, c.file)
				}
			}
		}
	}
	b.WriteString("</d:multistatus>")

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	fmt.Fprint(w, b.String())
}

func writeDAVFile(b *strings.Builder, p string, f File) {
	fmt.Fprintf(b, `<d:response><d:href>%s%s</d:href><d:propstat><d:prop>`+
		`<d:getcontentlength>%d</d:getcontentlength><d:getetag>"%s"</d:getetag><d:resourcetype/>`+
		`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`,
		webdavPrefix, html.EscapeString(pathutil.Escape(p)), len(f.Data), html.EscapeString(f.ETag))
}

func writeDAVDir(b *strings.Builder, p string) {
	href := webdavPrefix
	if p != "" {
		href += pathutil.Escape(p) + "/"
	}
	fmt.Fprintf(b, `<d:response><d:href>%s</d:href><d:propstat><d:prop>`+
		`<d:resourcetype><d:collection/></d:resourcetype>`+
		`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>`+
		`<d:propstat><d:prop><d:getetag/></d:prop><d:status>HTTP/1.1 404 Not Found</d:status></d:propstat></d:response>`,
		html.EscapeString(href))
}

func (s *ShareServer) handlePage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rest := strings.TrimPrefix(r.URL.Path, "/s/")
	id, dir, _ := strings.Cut(rest, "/")
	sh, ok := s.shares[id]
	if !ok || !sh.HTML {
		http.NotFound(w, r)
		return
	}
	dir = pathutil.Normalize(dir)
	kids, found := sh.children(dir)
	if !found {
		http.NotFound(w, r)
		return
	}
	if r.Method == http.MethodHead {
		return
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><body><h1>Index</h1><ul>")
	b.WriteString(`<li><a href="../">Parent</a></li>`)
	b.WriteString(`<li><a href="?sort=size">Sort</a></li>`)
	b.WriteString(`<li><a href="#top">Top</a></li>`)
	b.WriteString(`<li><a href="mailto:admin@example.com">Contact</a></li>`)
	b.WriteString(`<li><a href="https://example.com/s/elsewhere/">Elsewhere</a></li>`)
	for _, c := range kids {
		href := url.PathEscape(c.name)
		if c.isDir {
			href += "/"
		}
		fmt.Fprintf(&b, `<li><a href="%s">%s</a></li>`, html.EscapeString(href), html.EscapeString(c.name))
	}
	b.WriteString("</ul></body></html>")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, b.String())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
