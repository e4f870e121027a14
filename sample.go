package go115

import (
	"context"
	"io"
	"net/url"
	"strconv"

	"github.com/pkg/errors"

	"github.com/yunkit/go115/api"
	"github.com/yunkit/go115/rest"
)

// sampleUpload pushes a stream through the service's pre-signed form
// endpoint. It is the path of last resort: no dedup, no resume, but
// it accepts sources of unknown size.
func (c *Client) sampleUpload(ctx context.Context, in io.Reader, parentID uint64, name string) (*Node, error) {
	userID, _, err := c.userInfo(ctx)
	if err != nil {
		return nil, err
	}
	form := url.Values{
		"userid":   {strconv.FormatInt(userID, 10)},
		"filename": {name},
		"target":   {"U_1_" + strconv.FormatUint(parentID, 10)},
	}
	initOpts := rest.Opts{
		Method:         "POST",
		Path:           "/3.0/sampleinitupload.php",
		FormParameters: form,
	}
	var init api.SampleInitResponse
	err = c.pc.Call(func() (bool, error) {
		resp, err := c.upl.CallJSON(ctx, &initOpts, nil, &init)
		return shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, errors.Wrap(err, "sample init")
	}
	if err := init.Err(); err != nil {
		return nil, err
	}
	if init.Host == "" || init.Object == "" {
		return nil, errors.New("sample init: incomplete form ticket")
	}

	// The server pre-signed the policy, the client just submits the
	// form. The body is consumed streaming, so no retry is possible.
	uploadOpts := rest.Opts{
		Method:  "POST",
		RootURL: init.Host,
		Body:    in,
		MultipartParams: url.Values{
			"name":                  {name},
			"key":                   {init.Object},
			"policy":                {init.Policy},
			"OSSAccessKeyId":        {init.AccessID},
			"success_action_status": {"200"},
			"callback":              {init.Callback},
			"signature":             {init.Signature},
		},
		MultipartContentName: "file",
		MultipartFileName:    name,
	}
	var result api.CallbackResponse
	if _, err := c.upl.CallJSON(ctx, &uploadOpts, nil, &result); err != nil {
		return nil, errors.Wrap(err, "sample upload")
	}
	return c.bookCallback(&result)
}
