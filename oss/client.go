// Package oss is a minimal client for the Aliyun-compatible object
// store the service fronts uploads with. It covers only what the
// upload pipeline needs: single-shot PUT and the multipart
// init/list/upload/complete/abort cycle, all signed v1 style with STS
// credentials handed out by the service.
package oss

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/yunkit/go115/pacer"
	"github.com/yunkit/go115/rest"
)

// Credentials is the STS triple issued by the service
type Credentials struct {
	AccessKeyID     string
	AccessKeySecret string
	SecurityToken   string
}

// CredentialsFunc supplies credentials for a request. forceRefresh is
// set after the server rejected the previous token as expired.
type CredentialsFunc func(ctx context.Context, forceRefresh bool) (Credentials, error)

// Client talks to one OSS endpoint
type Client struct {
	srv      *rest.Client
	pc       *pacer.Pacer
	creds    CredentialsFunc
	scheme   string
	endpoint string // host, e.g. oss-cn-shenzhen.aliyuncs.com
}

// New makes an OSS client for the endpoint, which may be a bare host
// or an http(s) URL as returned by the upload-info call.
func New(c *http.Client, pc *pacer.Pacer, endpoint string, creds CredentialsFunc) (*Client, error) {
	scheme := "https"
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		scheme = u.Scheme
		host = u.Host
	}
	if host == "" {
		return nil, errors.Errorf("oss: bad endpoint %q", endpoint)
	}
	srv := rest.NewClient(c).SetErrorHandler(errorHandler)
	return &Client{
		srv:      srv,
		pc:       pc,
		creds:    creds,
		scheme:   scheme,
		endpoint: host,
	}, nil
}

// errorHandler parses an XML error out of a non-2xx response
func errorHandler(resp *http.Response) error {
	errResponse := &ErrorResponse{StatusCode: resp.StatusCode}
	if err := rest.DecodeXML(resp, errResponse); err != nil {
		logrus.Debugf("oss: couldn't decode error response: %v", err)
	}
	return errResponse
}

// shouldRetry returns whether the error merits another attempt, and
// whether the credentials should be refreshed first.
func shouldRetry(ctx context.Context, err error) (refresh, retry bool) {
	if ctx.Err() != nil || err == nil {
		return false, false
	}
	var apiErr *ErrorResponse
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case "SecurityTokenExpired", "InvalidSecurityToken", "InvalidAccessKeyId":
			return true, true
		}
		return false, apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
	}
	// Anything else is transport level and worth a retry
	return false, true
}

func (c *Client) objectURL(bucket, object string) string {
	u := url.URL{
		Scheme: c.scheme,
		Host:   bucket + "." + c.endpoint,
		Path:   "/" + object,
	}
	return u.String()
}

// call performs one signed request with pacing, token refresh and
// retries. makeBody returns a fresh request body for each attempt, or
// nil for bodyless requests.
func (c *Client) call(ctx context.Context, method, bucket, object string, params url.Values, headers map[string]string, makeBody func() (io.Reader, error), size int64, response interface{}) (resp *http.Response, err error) {
	forceRefresh := false
	err = c.pc.Call(func() (bool, error) {
		cred, err := c.creds(ctx, forceRefresh)
		if err != nil {
			return false, errors.Wrap(err, "oss: credentials")
		}
		forceRefresh = false

		hdrs := map[string]string{
			"x-oss-security-token": cred.SecurityToken,
		}
		for k, v := range headers {
			hdrs[k] = v
		}
		date := time.Now().UTC().Format(http.TimeFormat)
		hdrs["Date"] = date
		contentType := hdrs["Content-Type"]
		hdrs["Authorization"] = Authorization(cred.AccessKeyID, cred.AccessKeySecret,
			CanonicalString(method, hdrs["Content-MD5"], contentType, date, hdrs, bucket, object, params))

		opts := rest.Opts{
			Method:       method,
			RootURL:      c.objectURL(bucket, object),
			Parameters:   params,
			ExtraHeaders: hdrs,
			ContentType:  contentType,
		}
		if size >= 0 {
			opts.ContentLength = &size
		}
		if makeBody != nil {
			opts.Body, err = makeBody()
			if err != nil {
				return false, err
			}
		}
		if response != nil {
			resp, err = c.srv.CallXML(ctx, &opts, nil, response)
		} else {
			resp, err = c.srv.Call(ctx, &opts)
		}
		refresh, retry := shouldRetry(ctx, err)
		forceRefresh = refresh
		return retry, err
	})
	return resp, err
}

// InitiateMultipartUpload starts a multipart upload and returns its ID
func (c *Client) InitiateMultipartUpload(ctx context.Context, bucket, object string) (string, error) {
	params := url.Values{"uploads": {""}}
	var result initiateMultipartUploadResult
	_, err := c.call(ctx, "POST", bucket, object, params, nil, nil, 0, &result)
	if err != nil {
		return "", errors.Wrap(err, "oss: init multipart")
	}
	if result.UploadID == "" {
		return "", errors.New("oss: init multipart: empty UploadId")
	}
	return result.UploadID, nil
}

// ListUploadedParts returns every part the server holds for the
// upload, in ascending part order, following pagination.
func (c *Client) ListUploadedParts(ctx context.Context, bucket, object, uploadID string) ([]UploadedPart, error) {
	var parts []UploadedPart
	marker := 0
	for {
		params := url.Values{"uploadId": {uploadID}}
		if marker > 0 {
			params.Set("part-number-marker", strconv.Itoa(marker))
		}
		var page listPartsResult
		_, err := c.call(ctx, "GET", bucket, object, params, nil, nil, -1, &page)
		if err != nil {
			return nil, errors.Wrap(err, "oss: list parts")
		}
		parts = append(parts, page.Parts...)
		if !page.IsTruncated {
			return parts, nil
		}
		marker = page.NextPartNumberMarker
	}
}

// UploadPart uploads one part from the buffer and returns its ETag
func (c *Client) UploadPart(ctx context.Context, bucket, object, uploadID string, partNumber int, buf []byte) (string, error) {
	params := url.Values{
		"partNumber": {strconv.Itoa(partNumber)},
		"uploadId":   {uploadID},
	}
	makeBody := func() (io.Reader, error) {
		return bytes.NewReader(buf), nil
	}
	resp, err := c.call(ctx, "PUT", bucket, object, params, nil, makeBody, int64(len(buf)), nil)
	if err != nil {
		return "", errors.Wrapf(err, "oss: upload part %d", partNumber)
	}
	etag := resp.Header.Get("ETag")
	if err := resp.Body.Close(); err != nil {
		return "", err
	}
	if etag == "" {
		return "", errors.Errorf("oss: upload part %d: no ETag in response", partNumber)
	}
	return etag, nil
}

// CompleteMultipartUpload finishes the upload. parts must be sorted by
// PartNumber. The callback pair is forwarded to the service, whose
// JSON verdict is returned verbatim.
func (c *Client) CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []CompletePart, callback, callbackVar string) ([]byte, error) {
	body, err := marshalComplete(parts)
	if err != nil {
		return nil, err
	}
	params := url.Values{"uploadId": {uploadID}}
	headers := map[string]string{
		"Content-Type":       "application/xml",
		"x-oss-callback":     base64.StdEncoding.EncodeToString([]byte(callback)),
		"x-oss-callback-var": base64.StdEncoding.EncodeToString([]byte(callbackVar)),
	}
	makeBody := func() (io.Reader, error) {
		return bytes.NewReader(body), nil
	}
	resp, err := c.call(ctx, "POST", bucket, object, params, headers, makeBody, int64(len(body)), nil)
	if err != nil {
		return nil, errors.Wrap(err, "oss: complete multipart")
	}
	return rest.ReadBody(resp)
}

// AbortMultipartUpload cancels an upload. A 404 means the upload is
// already gone and is not an error.
func (c *Client) AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error {
	params := url.Values{"uploadId": {uploadID}}
	resp, err := c.call(ctx, "DELETE", bucket, object, params, nil, nil, 0, nil)
	if err != nil {
		var apiErr *ErrorResponse
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return errors.Wrap(err, "oss: abort multipart")
	}
	return resp.Body.Close()
}

// PutObject uploads the object in one shot, carrying the callback
// headers, and returns the service's JSON verdict. The body is
// rewound on each retry.
func (c *Client) PutObject(ctx context.Context, bucket, object string, in io.ReadSeeker, size int64, callback, callbackVar string) ([]byte, error) {
	headers := map[string]string{
		"x-oss-callback":     base64.StdEncoding.EncodeToString([]byte(callback)),
		"x-oss-callback-var": base64.StdEncoding.EncodeToString([]byte(callbackVar)),
	}
	makeBody := func() (io.Reader, error) {
		if _, err := in.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "oss: rewind body")
		}
		return in, nil
	}
	resp, err := c.call(ctx, "PUT", bucket, object, nil, headers, makeBody, size, nil)
	if err != nil {
		return nil, errors.Wrap(err, "oss: put object")
	}
	return rest.ReadBody(resp)
}

func marshalComplete(parts []CompletePart) ([]byte, error) {
	out, err := xml.Marshal(completeMultipartUpload{Parts: parts})
	if err != nil {
		return nil, errors.Wrap(err, "oss: marshal completion")
	}
	return append([]byte(xml.Header), out...), nil
}
