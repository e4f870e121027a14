package go115

import (
	"context"

	"github.com/pkg/errors"

	"github.com/yunkit/go115/api"
	"github.com/yunkit/go115/rest"
)

// Usage is the account's quota figures in bytes
type Usage struct {
	Total int64
	Used  int64
	Free  int64
}

// About returns the account's storage quota and usage
func (c *Client) About(ctx context.Context) (*Usage, error) {
	opts := rest.Opts{
		Method: "GET",
		Path:   "/files/index_info",
	}
	var result api.IndexInfoResponse
	err := c.pc.Call(func() (bool, error) {
		resp, err := c.srv.CallJSON(ctx, &opts, nil, &result)
		return shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, errors.Wrap(err, "about")
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	space := result.Data.SpaceInfo
	return &Usage{
		Total: int64(space.Total.Size),
		Used:  int64(space.Use.Size),
		Free:  int64(space.Remain.Size),
	}, nil
}
