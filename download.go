package go115

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/yunkit/go115/api"
	"github.com/yunkit/go115/cipher"
	"github.com/yunkit/go115/rest"
)

// envelopeCipher lets tests substitute the download envelope
type envelopeCipher interface {
	Encode([]byte) (string, error)
	Decode(string) ([]byte, error)
}

var newRSACipher = func() envelopeCipher { return cipher.NewRSACipher() }

// DownloadTicket is a time-limited authorization to fetch a file's
// bytes. The Headers must be sent verbatim with the GET: the CDN
// checks both the signed URL and the session they were issued to.
type DownloadTicket struct {
	URL      string
	FileName string
	FileSize int64
	PickCode string
	Headers  http.Header
	Expiry   time.Time
}

// Expired reports whether the ticket is past (or within margin of)
// its expiry. Refresh tickets about five minutes early.
func (t *DownloadTicket) Expired(margin time.Duration) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return time.Now().After(t.Expiry.Add(-margin))
}

// GetDownloadURL asks for a download ticket for the content named by
// pickcode. The negotiation runs inside the RSA envelope.
func (c *Client) GetDownloadURL(ctx context.Context, pickcode string) (*DownloadTicket, error) {
	payload, err := json.Marshal(map[string]string{"pickcode": pickcode})
	if err != nil {
		return nil, err
	}
	rc := newRSACipher()
	data, err := rc.Encode(payload)
	if err != nil {
		return nil, errors.Wrap(err, "sealing downurl request")
	}
	opts := rest.Opts{
		Method:         "POST",
		Path:           "/app/chrome/downurl",
		FormParameters: url.Values{"data": {data}},
		Parameters:     url.Values{"t": {strconv.FormatInt(time.Now().Unix(), 10)}},
	}
	var result api.DownloadResponse
	err = c.pc.Call(func() (bool, error) {
		resp, err := c.pro.CallJSON(ctx, &opts, nil, &result)
		return shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, errors.Wrap(err, "downurl")
	}
	if err := result.Err(); err != nil {
		return nil, err
	}

	plain, err := rc.Decode(result.Data)
	if err != nil {
		return nil, errors.Wrap(api.ErrCryptoMismatch, err.Error())
	}
	var byID map[string]*api.DownloadInfo
	if err := json.Unmarshal(plain, &byID); err != nil {
		return nil, errors.Wrap(api.ErrCryptoMismatch, err.Error())
	}
	for _, info := range byID {
		if info.URL.URL == "" {
			// Directories have no content to download
			return nil, errors.Wrapf(api.ErrUnsupported, "no download for %q", pickcode)
		}
		return c.makeTicket(info), nil
	}
	return nil, errors.Wrapf(api.ErrNotFound, "pickcode %q", pickcode)
}

func (c *Client) makeTicket(info *api.DownloadInfo) *DownloadTicket {
	ticket := &DownloadTicket{
		URL:      info.URL.URL,
		FileName: info.FileName,
		FileSize: int64(info.FileSize),
		PickCode: info.PickCode,
		Headers:  http.Header{"User-Agent": {c.opt.UserAgent}},
	}
	if u, err := url.Parse(info.URL.URL); err == nil {
		if t, err := strconv.ParseInt(u.Query().Get("t"), 10, 64); err == nil {
			ticket.Expiry = time.Unix(t, 0)
		}
		if c.http.Jar != nil {
			for _, ck := range c.http.Jar.Cookies(u) {
				ticket.Headers.Add("Cookie", ck.String())
			}
		}
	}
	return ticket
}

// Open fetches the file's bytes. The returned ReadCloser streams the
// body; close it when done.
func (c *Client) Open(ctx context.Context, pickcode string) (io.ReadCloser, error) {
	ticket, err := c.GetDownloadURL(ctx, pickcode)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "GET", ticket.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range ticket.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching content")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, errors.Errorf("fetching content: HTTP %d", resp.StatusCode)
	}
	return resp.Body, nil
}
