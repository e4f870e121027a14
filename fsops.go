package go115

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/yunkit/go115/api"
	"github.com/yunkit/go115/rest"
)

// postForm sends a form to a webapi endpoint, decodes the envelope
// and classifies a failed state. Mutations are not retried once the
// server may have seen them.
func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, result interface{ Err() error }) error {
	if result == nil {
		result = &api.Base{}
	}
	opts := rest.Opts{
		Method:         "POST",
		Path:           endpoint,
		FormParameters: form,
	}
	err := c.pc.CallNoRetry(func() (bool, error) {
		resp, err := c.srv.CallJSON(ctx, &opts, nil, result)
		return shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return err
	}
	return result.Err()
}

// Mkdir creates a directory under parentID and returns it. A sibling
// with the same name makes the server refuse with AlreadyExists.
func (c *Client) Mkdir(ctx context.Context, parentID uint64, name string) (*Node, error) {
	form := url.Values{
		"pid":   {strconv.FormatUint(parentID, 10)},
		"cname": {name},
	}
	var result api.MkdirResponse
	if err := c.postForm(ctx, "/files/add", form, &result); err != nil {
		return nil, errors.Wrapf(err, "mkdir %q", name)
	}
	id := uint64(result.FileID)
	if id == 0 {
		id = uint64(result.CID)
	}
	if id == 0 {
		return nil, errors.New("mkdir: no id in response")
	}
	c.attrs.invalidate(parentID)
	return &Node{
		ID:       id,
		ParentID: parentID,
		Name:     name,
		IsDir:    true,
	}, nil
}

// Rename changes a node's name in place and returns the updated node.
//
// The server rejects renames that change a file's extension. With
// Options.AllowRetype the client emulates those by registering the
// same content under the new name (a dedup hit, no data moves) and
// deleting the old node; note this assigns a new id. Without it such
// renames fail with an unsupported-operation error.
func (c *Client) Rename(ctx context.Context, id uint64, newName string) (*Node, error) {
	node, err := c.StatID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !node.IsDir && ext(node.Name) != ext(newName) {
		if !c.opt.AllowRetype {
			return nil, errors.Wrapf(api.ErrUnsupported,
				"rename %q to %q changes the extension (set AllowRetype to emulate)", node.Name, newName)
		}
		return c.renameRetype(ctx, node, newName)
	}

	form := url.Values{
		fmt.Sprintf("files_new_name[%d]", id): {newName},
	}
	if err := c.postForm(ctx, "/files/batch_rename", form, nil); err != nil {
		return nil, errors.Wrapf(err, "rename %d", id)
	}
	c.flushNode(node)
	node.Name = newName
	return node, nil
}

func ext(name string) string {
	return strings.ToLower(path.Ext(name))
}

// renameRetype emulates an extension-changing file rename: the
// content is registered under the new name via the dedup path, then
// the old node is deleted.
func (c *Client) renameRetype(ctx context.Context, node *Node, newName string) (*Node, error) {
	if node.SHA1 == "" {
		return nil, errors.Wrapf(api.ErrUnsupported, "rename %d: node has no hash", node.ID)
	}
	logrus.Debugf("115: emulating retype rename of %d to %q", node.ID, newName)
	fresh, err := c.registerByHash(ctx, node, newName)
	if err != nil {
		return nil, errors.Wrap(err, "retype rename")
	}
	if err := c.Delete(ctx, node.ID); err != nil {
		return nil, errors.Wrap(err, "retype rename: removing old node")
	}
	c.attrs.invalidate(node.ParentID)
	return fresh, nil
}

// idsForm encodes a batch of node ids the way the mutation endpoints
// expect.
func idsForm(form url.Values, ids []uint64) {
	for i, id := range ids {
		form.Set(fmt.Sprintf("fid[%d]", i), strconv.FormatUint(id, 10))
	}
}

// Move moves nodes into newParentID. The server refuses when the
// destination already holds an entry with the same name; rename first
// in that case.
func (c *Client) Move(ctx context.Context, ids []uint64, newParentID uint64) error {
	if len(ids) == 0 {
		return nil
	}
	form := url.Values{
		"pid": {strconv.FormatUint(newParentID, 10)},
	}
	idsForm(form, ids)
	if err := c.postForm(ctx, "/files/move", form, nil); err != nil {
		return errors.Wrap(err, "move")
	}
	c.attrs.flush() // old parents are unknown here
	for _, id := range ids {
		c.flushNodeID(id)
	}
	return nil
}

// Copy copies nodes into newParentID. The copy is server side and
// instantaneous; no bytes move.
func (c *Client) Copy(ctx context.Context, ids []uint64, newParentID uint64) error {
	if len(ids) == 0 {
		return nil
	}
	form := url.Values{
		"pid": {strconv.FormatUint(newParentID, 10)},
	}
	idsForm(form, ids)
	if err := c.postForm(ctx, "/files/copy", form, nil); err != nil {
		return errors.Wrap(err, "copy")
	}
	c.attrs.invalidate(newParentID)
	return nil
}

// Delete moves nodes to the recycle bin
func (c *Client) Delete(ctx context.Context, ids ...uint64) error {
	if len(ids) == 0 {
		return nil
	}
	form := url.Values{
		"ignore_warn": {"1"},
	}
	idsForm(form, ids)
	if err := c.postForm(ctx, "/rb/delete", form, nil); err != nil {
		return errors.Wrap(err, "delete")
	}
	c.attrs.flush()
	for _, id := range ids {
		c.flushNodeID(id)
	}
	return nil
}

// flushNode drops every cache entry the node can invalidate: its
// parent's listing and, for directories, the cached subtree paths.
func (c *Client) flushNode(node *Node) {
	c.attrs.invalidate(node.ParentID)
	if node.IsDir {
		if p, ok := c.dirCache.GetInv(node.ID); ok {
			c.dirCache.FlushDir(p)
		}
		c.attrs.invalidate(node.ID)
	}
}

func (c *Client) flushNodeID(id uint64) {
	if p, ok := c.dirCache.GetInv(id); ok {
		c.dirCache.FlushDir(p)
	}
	c.attrs.invalidate(id)
}
