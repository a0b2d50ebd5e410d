package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strconv"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/pathutil"
)

const (
	apiFileTypeFile   = 0
	apiFileTypeFolder = 1

	maxPagesPerDir = 10000
)

type apiFile struct {
	Type          int    `json:"type"`
	Name          string `json:"name"`
	Size          int64  `json:"size"`
	PrimaryEntity string `json:"primary_entity"`
}

type apiPagination struct {
	Page      int    `json:"page"`
	PageSize  int    `json:"page_size"`
	NextToken string `json:"next_token"`
	IsCursor  bool   `json:"is_cursor"`
}

type apiListResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Files      []apiFile     `json:"files"`
		Pagination apiPagination `json:"pagination"`
	} `json:"data"`
}

// walkAPI lists the share through the JSON folder API, descending into
// every sub-folder. A folder listing is paginated either by cursor
// (next_token) or by page number; both are followed.
func (d *Discoverer) walkAPI(ctx context.Context, ep Endpoint) ([]Entry, error) {
	var out []Entry
	if err := d.walkAPIDir(ctx, ep, "", 0, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Discoverer) walkAPIDir(ctx context.Context, ep Endpoint, dir string, depth int, out *[]Entry) error {
	if depth > d.opts.MaxDepth {
		return fmt.Errorf("api-walk: %q exceeds max depth %d", dir, d.opts.MaxDepth)
	}

	var subdirs []string
	page := 0
	token := ""

	for i := 0; ; i++ {
		if i >= maxPagesPerDir {
			return fmt.Errorf("api-walk: %q: too many pages", dir)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := d.listAPIPage(ctx, ep, dir, page, token)
		if err != nil {
			return err
		}

		for _, f := range resp.Data.Files {
			if f.Name == "" {
				continue
			}
			rel := path.Join(dir, f.Name)
			if f.Type == apiFileTypeFolder {
				subdirs = append(subdirs, rel)
				continue
			}
			if f.Type != apiFileTypeFile {
				continue
			}
			*out = append(*out, Entry{
				Path:    pathutil.Normalize(rel),
				RawPath: pathutil.Escape(pathutil.Normalize(rel)),
				Size:    f.Size,
				ETag:    f.PrimaryEntity,
			})
		}

		pg := resp.Data.Pagination
		switch {
		case pg.NextToken != "":
			if pg.NextToken == token {
				return fmt.Errorf("api-walk: %q: cursor did not advance", dir)
			}
			token = pg.NextToken
		case !pg.IsCursor && pg.PageSize > 0 && len(resp.Data.Files) >= pg.PageSize:
			token = ""
			page = pg.Page + 1
		default:
			for _, sub := range subdirs {
				if err := d.walkAPIDir(ctx, ep, sub, depth+1, out); err != nil {
					return err
				}
			}
			return nil
		}
	}
}

func (d *Discoverer) listAPIPage(ctx context.Context, ep Endpoint, dir string, page int, token string) (*apiListResponse, error) {
	q := url.Values{}
	q.Set("uri", ep.shareURI(dir))
	q.Set("page_size", strconv.Itoa(d.opts.PageSize))
	if token != "" {
		q.Set("next_page_token", token)
	} else {
		q.Set("page", strconv.Itoa(page))
	}

	data, err := d.client.GetBytes(ctx, ep.APIBase()+"/file?"+q.Encode(), d.opts.MaxListingBytes)
	if err != nil {
		return nil, fmt.Errorf("api-walk: list %q: %w", dir, err)
	}

	var resp apiListResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("api-walk: decode %q: %w", dir, err)
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("api-walk: list %q: code %d: %s", dir, resp.Code, resp.Msg)
	}
	return &resp, nil
}
