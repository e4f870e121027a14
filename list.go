package go115

import (
	"context"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/yunkit/go115/api"
	"github.com/yunkit/go115/rest"
)

// ErrListingChanged reports that a directory mutated while its pages
// were being fetched. The partial result is discarded; retry.
var ErrListingChanged = errors.New("directory changed during listing")

// ListPage fetches one page of children of dirID. total is the number
// of children the directory held at the time of the call.
func (c *Client) ListPage(ctx context.Context, dirID uint64, offset, limit int) (nodes []*Node, total int, err error) {
	if limit <= 0 || limit > maxPageSize {
		limit = c.opt.PageSize
	}
	opts := rest.Opts{
		Method: "GET",
		Path:   "/files",
		Parameters: url.Values{
			"aid":           {"1"},
			"cid":           {strconv.FormatUint(dirID, 10)},
			"offset":        {strconv.Itoa(offset)},
			"limit":         {strconv.Itoa(limit)},
			"show_dir":      {"1"},
			"count_folders": {"1"},
			"o":             {"user_ptime"},
			"asc":           {"0"},
			"format":        {"json"},
		},
	}
	var result api.FilesResponse
	err = c.pc.Call(func() (bool, error) {
		resp, err := c.srv.CallJSON(ctx, &opts, nil, &result)
		return shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, 0, errors.Wrap(err, "listing directory")
	}
	if err := result.Err(); err != nil {
		return nil, 0, err
	}
	// The server answers for the root when the requested directory
	// does not exist.
	if uint64(result.CID) != dirID {
		return nil, 0, errors.Wrapf(api.ErrNotFound, "directory %d", dirID)
	}
	nodes = make([]*Node, 0, len(result.Data))
	for _, e := range result.Data {
		nodes = append(nodes, nodeFromEntry(e))
	}
	return nodes, int(result.Count), nil
}

// listAll fetches every child of dirID, erroring out if the directory
// changes under the iteration rather than returning a partial set.
func (c *Client) listAll(ctx context.Context, dirID uint64) ([]*Node, error) {
	var all []*Node
	total := -1
	for {
		page, count, err := c.ListPage(ctx, dirID, len(all), c.opt.PageSize)
		if err != nil {
			return nil, err
		}
		if total >= 0 && count != total {
			return nil, errors.Wrapf(ErrListingChanged, "directory %d", dirID)
		}
		total = count
		all = append(all, page...)
		if len(all) >= total || len(page) == 0 {
			break
		}
	}
	if len(all) > total {
		all = all[:total]
	}
	return all, nil
}

// dirVersion probes a directory's current version for the attribute
// cache, as derived by Options.VersionPredicate. The default follows
// the directory's utime, which moves on any change to its contents.
func (c *Client) dirVersion(ctx context.Context, dirID uint64) (int64, error) {
	opts := rest.Opts{
		Method: "GET",
		Path:   "/category/get",
		Parameters: url.Values{
			"cid": {strconv.FormatUint(dirID, 10)},
		},
	}
	var info api.CategoryInfo
	err := c.pc.Call(func() (bool, error) {
		resp, err := c.srv.CallJSON(ctx, &opts, nil, &info)
		return shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return 0, errors.Wrap(err, "probing directory version")
	}
	// category/get has no state field on success for some server
	// versions, so only treat an explicit failure as one.
	if info.Name == "" && dirID != RootID {
		if err := info.Err(); err != nil {
			return 0, err
		}
		return 0, errors.Wrapf(api.ErrNotFound, "directory %d", dirID)
	}
	return c.opt.VersionPredicate(&info), nil
}

// List returns all children of dirID, from cache when the directory's
// version still matches the cached one.
func (c *Client) List(ctx context.Context, dirID uint64) ([]*Node, error) {
	unlock := c.attrs.lock(dirID)
	defer unlock()

	version, err := c.dirVersion(ctx, dirID)
	if err != nil {
		return nil, err
	}
	if cached, ok := c.attrs.get(dirID); ok && cached.version == version {
		return cached.nodes, nil
	}

	nodes, err := c.listAll(ctx, dirID)
	if err == nil {
		c.attrs.put(dirID, &dirListing{version: version, nodes: nodes})
		return nodes, nil
	}
	// One retry if the directory moved under us mid-listing
	if errors.Is(err, ErrListingChanged) {
		logrus.Debugf("115: %v, retrying", err)
		if version, err = c.dirVersion(ctx, dirID); err != nil {
			return nil, err
		}
		nodes, err = c.listAll(ctx, dirID)
		if err == nil {
			c.attrs.put(dirID, &dirListing{version: version, nodes: nodes})
			return nodes, nil
		}
	}
	return nil, err
}
