package go115

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/yunkit/go115/api"
	"github.com/yunkit/go115/dircache"
	"github.com/yunkit/go115/rest"
)

// FindLeaf looks for a child directory called leaf (escaped form) in
// the directory pathID. Implements dircache.DirCacher. When siblings
// share the name the first match wins; callers needing to pick a
// specific one must use ids.
func (c *Client) FindLeaf(ctx context.Context, pathID uint64, leaf string) (uint64, bool, error) {
	name := UnescapeName(leaf)
	nodes, err := c.List(ctx, pathID)
	if err != nil {
		return 0, false, err
	}
	for _, node := range nodes {
		if node.IsDir && node.Name == name {
			return node.ID, true, nil
		}
	}
	return 0, false, nil
}

// CreateDir makes a directory called leaf (escaped form) in the
// directory pathID. Implements dircache.DirCacher.
func (c *Client) CreateDir(ctx context.Context, pathID uint64, leaf string) (uint64, error) {
	node, err := c.Mkdir(ctx, pathID, UnescapeName(leaf))
	if err != nil {
		return 0, err
	}
	return node.ID, nil
}

// canonicalPath normalizes a caller path to the escaped internal form
func canonicalPath(path string) string {
	segments := splitPath(path)
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = EscapeName(s)
	}
	return strings.Join(escaped, "/")
}

// ResolvePath translates a path to a node id. Path segments with a
// literal "/" in their name must escape it as "\/". Sibling name
// collisions resolve to the first match in listing order.
func (c *Client) ResolvePath(ctx context.Context, path string) (uint64, error) {
	full := canonicalPath(path)
	if full == "" {
		return RootID, nil
	}
	leaf, parentID, err := c.dirCache.FindPath(ctx, full, false)
	if err != nil {
		return 0, resolveErr(err, path)
	}
	name := UnescapeName(leaf)
	nodes, err := c.List(ctx, parentID)
	if err != nil {
		return 0, err
	}
	for _, node := range nodes {
		if node.Name == name {
			if node.IsDir {
				c.dirCache.Put(full, node.ID)
			}
			return node.ID, nil
		}
	}
	return 0, errors.Wrapf(api.ErrNotFound, "path %q", path)
}

func resolveErr(err error, path string) error {
	if errors.Is(err, dircache.ErrDirNotFound) {
		return errors.Wrapf(api.ErrNotFound, "path %q", path)
	}
	return err
}

// statByID fetches a node's attributes plus its parent breadcrumb
func (c *Client) statByID(ctx context.Context, id uint64) (*api.FileInfo, error) {
	opts := rest.Opts{
		Method: "GET",
		Path:   "/files/get_info",
		Parameters: url.Values{
			"file_id": {strconv.FormatUint(id, 10)},
		},
	}
	var result api.GetInfoResponse
	err := c.pc.Call(func() (bool, error) {
		resp, err := c.srv.CallJSON(ctx, &opts, nil, &result)
		return shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, errors.Wrap(err, "stat by id")
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, errors.Wrapf(api.ErrNotFound, "id %d", id)
	}
	return result.Data[0], nil
}

// StatID returns the node with the given id
func (c *Client) StatID(ctx context.Context, id uint64) (*Node, error) {
	if id == RootID {
		return &Node{ID: RootID, IsDir: true}, nil
	}
	info, err := c.statByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return nodeFromInfo(info), nil
}

// PathOfID returns the escaped absolute path of the node, computed
// from the breadcrumb the server sends with get_info, so no tree walk.
func (c *Client) PathOfID(ctx context.Context, id uint64) (string, error) {
	if id == RootID {
		return "/", nil
	}
	info, err := c.statByID(ctx, id)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, p := range info.Paths {
		if p.CID == 0 {
			continue // root breadcrumb
		}
		b.WriteByte('/')
		b.WriteString(EscapeName(p.Name))
	}
	b.WriteByte('/')
	b.WriteString(EscapeName(info.FileName))
	return b.String(), nil
}
