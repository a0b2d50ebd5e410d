package discovery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	shttp "github.com/Hoyotoon/HoyoToon-sub001/internal/http"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/pathutil"
)

// probeCommonDirs is the last resort for shares whose root page cannot be
// listed: it checks a fixed set of directory names and scrapes those that
// exist. The result only covers the probed directories.
func (d *Discoverer) probeCommonDirs(ctx context.Context, ep Endpoint) ([]Entry, error) {
	var out []Entry
	visited := make(map[string]bool)

	for _, name := range d.opts.ProbeNames {
		raw := pathutil.Escape(pathutil.Normalize(name))
		if raw == "" || visited[raw] {
			continue
		}

		_, err := d.client.Head(ctx, ep.PageURL(raw))
		if errors.Is(err, shttp.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("probe: %s: %w", name, err)
		}

		d.log.Debug("probe hit", zap.String("dir", name))
		visited[raw] = true
		if err := d.scrapeDir(ctx, ep, raw, 1, visited, &out); err != nil {
			return nil, fmt.Errorf("probe: %w", err)
		}
	}
	return out, nil
}
