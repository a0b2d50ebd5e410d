package discovery

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/pathutil"
)

// ErrInvalidEndpoint is returned for share URLs that are not of the form
// scheme://host/s/{shareId}[/{password}].
var ErrInvalidEndpoint = errors.New("discovery: invalid share endpoint")

const (
	apiPath    = "/api/v4"
	webdavPath = "/public.php/webdav/"
)

// Endpoint identifies a remote share.
type Endpoint struct {
	Scheme   string
	Host     string
	ShareID  string
	Password string
}

// ParseEndpoint parses a share URL.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}

	segs := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")
	if len(segs) < 2 || len(segs) > 3 || segs[0] != "s" || segs[1] == "" {
		return Endpoint{}, fmt.Errorf("%w: expected /s/{shareId}[/{password}], got %q", ErrInvalidEndpoint, u.Path)
	}

	ep := Endpoint{Scheme: u.Scheme, Host: u.Host}
	if ep.ShareID, err = url.PathUnescape(segs[1]); err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if len(segs) == 3 {
		if ep.Password, err = url.PathUnescape(segs[2]); err != nil {
			return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
		}
	}
	return ep, nil
}

// Authority returns scheme://host.
func (e Endpoint) Authority() string {
	return e.Scheme + "://" + e.Host
}

// APIBase returns the root of the JSON listing API.
func (e Endpoint) APIBase() string {
	return e.Authority() + apiPath
}

// WebDAVRoot returns the public WebDAV root of the share, without credentials.
func (e Endpoint) WebDAVRoot() string {
	return e.Authority() + webdavPath
}

// webdavURL returns the WebDAV URL of rawPath with the share credentials in
// the userinfo, which net/http turns into basic auth.
func (e Endpoint) webdavURL(rawPath string) string {
	u := url.URL{
		Scheme: e.Scheme,
		Host:   e.Host,
		User:   e.userinfo(),
	}
	return u.String() + webdavPath + strings.TrimPrefix(rawPath, "/")
}

func (e Endpoint) userinfo() *url.Userinfo {
	if e.Password == "" {
		return url.User(e.ShareID)
	}
	return url.UserPassword(e.ShareID, e.Password)
}

// DownloadURL returns the request URL of a file given its percent-encoded
// path relative to the share root. The result depends only on the endpoint
// and rawPath.
func (e Endpoint) DownloadURL(rawPath string) string {
	return e.webdavURL(rawPath)
}

// PageURL returns the HTML share page for a percent-encoded directory path.
func (e Endpoint) PageURL(rawDir string) string {
	rawDir = strings.Trim(rawDir, "/")
	page := e.Authority() + "/s/" + url.PathEscape(e.ShareID) + "/"
	if rawDir != "" {
		page += rawDir + "/"
	}
	return page
}

// shareURI is the resource URI the listing API expects for a decoded
// directory path.
func (e Endpoint) shareURI(dir string) string {
	u := url.URL{
		Scheme: "cloudreve",
		User:   e.userinfo(),
		Host:   "share",
		Path:   "/" + pathutil.Normalize(dir),
	}
	return u.String()
}

// String returns the share URL with the password redacted.
func (e Endpoint) String() string {
	s := e.Authority() + "/s/" + url.PathEscape(e.ShareID)
	if e.Password != "" {
		s += "/xxxxx"
	}
	return s
}
