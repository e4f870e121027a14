package go115

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/yunkit/go115/api"
	"github.com/yunkit/go115/cipher"
	"github.com/yunkit/go115/oss"
	"github.com/yunkit/go115/rest"
)

// hashThreshold is the size at and above which the server may answer
// an upload-init with a hash challenge. Smaller files never get one.
const hashThreshold = 1 << 20

// uploadCipher is the envelope around the upload-init exchange,
// substitutable in tests.
type uploadCipher interface {
	Encrypt([]byte) ([]byte, error)
	Decrypt([]byte, bool) ([]byte, error)
	EncodeToken(int64) string
}

var newUploadCipher = func() (uploadCipher, error) { return cipher.NewECDHCipher() }

// rangeSHA1Func returns the uppercase hex SHA-1 of the inclusive byte
// range [start, end] of the source, for answering hash challenges.
// nil means the source cannot be re-read.
type rangeSHA1Func func(ctx context.Context, start, end int64) (string, error)

// hashReader hashes everything in r
func hashReader(r io.Reader) (string, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}

// seekerRangeSHA1 answers challenges from a seekable source
func seekerRangeSHA1(rs io.ReadSeeker) rangeSHA1Func {
	return func(ctx context.Context, start, end int64) (string, error) {
		if _, err := rs.Seek(start, io.SeekStart); err != nil {
			return "", err
		}
		h := sha1.New()
		if _, err := io.CopyN(h, rs, end-start+1); err != nil {
			return "", err
		}
		return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
	}
}

// remoteRangeSHA1 answers challenges by fetching the range from the
// already-stored copy of the content. Used when re-registering
// content the account already holds (retype rename).
func (c *Client) remoteRangeSHA1(pickcode string) rangeSHA1Func {
	return func(ctx context.Context, start, end int64) (string, error) {
		ticket, err := c.GetDownloadURL(ctx, pickcode)
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, "GET", ticket.URL, nil)
		if err != nil {
			return "", err
		}
		for k, vs := range ticket.Headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
		resp, err := c.http.Do(req)
		if err != nil {
			return "", err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
			return "", errors.Errorf("range fetch: HTTP %d", resp.StatusCode)
		}
		h := sha1.New()
		if _, err := io.CopyN(h, resp.Body, end-start+1); err != nil {
			return "", err
		}
		return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
	}
}

// initUpload performs one upload-init round trip inside the ECDH
// envelope.
func (c *Client) initUpload(ctx context.Context, dirID uint64, name, fileID string, size int64, signKey, signVal string) (*api.UploadInitResponse, error) {
	userID, userKey, err := c.userInfo(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	target := "U_1_" + strconv.FormatUint(dirID, 10)
	form := url.Values{
		"appid":      {"0"},
		"appversion": {cipher.AppVersion},
		"userid":     {strconv.FormatInt(userID, 10)},
		"filename":   {name},
		"filesize":   {strconv.FormatInt(size, 10)},
		"fileid":     {fileID},
		"target":     {target},
		"sig":        {cipher.UploadSignature(userID, userKey, fileID, target)},
		"t":          {strconv.FormatInt(now, 10)},
		"token":      {cipher.UploadToken(fileID, size, signKey, signVal, now, userID)},
	}
	if signKey != "" {
		form.Set("sign_key", signKey)
		form.Set("sign_val", signVal)
	}

	ec, err := newUploadCipher()
	if err != nil {
		return nil, errors.Wrap(err, "upload cipher")
	}
	body, err := ec.Encrypt([]byte(form.Encode())) // Encode sorts keys
	if err != nil {
		return nil, errors.Wrap(err, "sealing upload init")
	}
	opts := rest.Opts{
		Method:      "POST",
		Path:        "/4.0/initupload.php",
		Parameters:  url.Values{"k_ec": {ec.EncodeToken(now)}},
		ContentType: "application/x-www-form-urlencoded",
	}
	var raw []byte
	err = c.pc.Call(func() (bool, error) {
		o := opts.Copy()
		o.Body = bytes.NewReader(body)
		resp, err := c.upl.Call(ctx, o)
		if err == nil {
			raw, err = rest.ReadBody(resp)
		}
		return shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, errors.Wrap(err, "upload init")
	}
	plain, err := ec.Decrypt(raw, true)
	if err != nil {
		return nil, errors.Wrap(api.ErrCryptoMismatch, err.Error())
	}
	var result api.UploadInitResponse
	if err := json.Unmarshal(plain, &result); err != nil {
		return nil, errors.Wrap(api.ErrCryptoMismatch, err.Error())
	}
	return &result, nil
}

// uploadInitLoop runs upload-init, answering at most one hash
// challenge, and returns a response whose status is 1 (OSS transfer
// needed) or 2 (instant hit).
func (c *Client) uploadInitLoop(ctx context.Context, dirID uint64, name, sha1sum string, size int64, rangeSHA rangeSHA1Func) (*api.UploadInitResponse, error) {
	fileID := strings.ToUpper(sha1sum)
	signKey, signVal := "", ""
	for attempt := 0; attempt < 2; attempt++ {
		result, err := c.initUpload(ctx, dirID, name, fileID, size, signKey, signVal)
		if err != nil {
			return nil, err
		}
		switch {
		case int(result.Status) == 2 && int(result.StatusCode) == 0:
			return result, nil
		case int(result.Status) == 1 && int(result.StatusCode) == 0:
			return result, nil
		case int(result.Status) == 7 && int(result.StatusCode) == 701:
			if rangeSHA == nil {
				return nil, errors.Wrap(api.ErrUnsupported, "server wants a content range proof but the source is not re-readable")
			}
			start, end, err := parseSignCheck(result.SignCheck)
			if err != nil {
				return nil, err
			}
			logrus.Debugf("115: hash challenge for %q over [%d, %d]", name, start, end)
			signKey = result.SignKey
			signVal, err = rangeSHA(ctx, start, end)
			if err != nil {
				return nil, errors.Wrap(err, "answering hash challenge")
			}
		default:
			return nil, errors.Errorf("upload init: unexpected status %d/%d: %s",
				result.Status, result.StatusCode, result.StatusMsg)
		}
	}
	return nil, errors.New("upload init: hash challenge loop did not converge")
}

// parseSignCheck splits the "<start>-<end>" inclusive range
func parseSignCheck(s string) (start, end int64, err error) {
	dash := strings.IndexByte(s, '-')
	if dash < 0 {
		return 0, 0, errors.Errorf("bad sign_check %q", s)
	}
	if start, err = strconv.ParseInt(s[:dash], 10, 64); err != nil {
		return 0, 0, errors.Errorf("bad sign_check %q", s)
	}
	if end, err = strconv.ParseInt(s[dash+1:], 10, 64); err != nil || end < start {
		return 0, 0, errors.Errorf("bad sign_check %q", s)
	}
	return start, end, nil
}

// Upload stores the content of in as a file called name under
// parentID and returns the resulting node. size is the exact content
// length, or negative if unknown.
//
// Seekable sources get the full pipeline: SHA-1 dedup first, then a
// resumable multipart transfer. Small non-seekable sources are
// buffered; anything else goes through the form-upload fallback,
// which cannot dedup or resume.
//
// An interrupted multipart transfer surfaces *oss.MultipartAbortError
// whose checkpoint ResumeUpload accepts.
func (c *Client) Upload(ctx context.Context, in io.Reader, parentID uint64, name string, size int64) (*Node, error) {
	if rs, ok := in.(io.ReadSeeker); ok {
		if size < 0 {
			var err error
			if size, err = rs.Seek(0, io.SeekEnd); err != nil {
				return nil, errors.Wrap(err, "sizing source")
			}
		}
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		sha, err := hashReader(io.LimitReader(rs, size))
		if err != nil {
			return nil, errors.Wrap(err, "hashing source")
		}
		return c.uploadSeekable(ctx, rs, parentID, name, size, sha)
	}
	if size >= 0 && size < hashThreshold {
		buf, err := io.ReadAll(io.LimitReader(in, size))
		if err != nil {
			return nil, errors.Wrap(err, "buffering source")
		}
		if int64(len(buf)) != size {
			return nil, errors.Errorf("source is %d bytes, expected %d", len(buf), size)
		}
		return c.Upload(ctx, bytes.NewReader(buf), parentID, name, size)
	}
	// Unknown size or unhashable stream. UploadWithHash keeps the
	// dedup attempt for non-seekable sources whose hash is known.
	return c.sampleUpload(ctx, in, parentID, name)
}

// UploadWithHash stores content whose SHA-1 and exact size the caller
// already knows, so even a non-seekable source gets the dedup attempt
// and, on a miss, the multipart transfer. A non-seekable source
// cannot answer a hash challenge; seekable ones can.
func (c *Client) UploadWithHash(ctx context.Context, in io.Reader, parentID uint64, name string, size int64, sha1sum string) (*Node, error) {
	if size < 0 {
		return nil, errors.Wrap(api.ErrInvalid, "size must be known when the hash is supplied")
	}
	sha := strings.ToUpper(sha1sum)
	var rangeSHA rangeSHA1Func
	rs, seekable := in.(io.ReadSeeker)
	if seekable {
		rangeSHA = seekerRangeSHA1(rs)
	}
	result, err := c.uploadInitLoop(ctx, parentID, name, sha, size, rangeSHA)
	if err != nil {
		return nil, err
	}
	if int(result.Status) == 2 {
		logrus.Debugf("115: instant upload hit for %q", name)
		return c.resolveUploaded(ctx, parentID, name, sha, size, result.PickCode)
	}
	if seekable {
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
	}
	return c.transferOSS(ctx, result, in, size)
}

func (c *Client) uploadSeekable(ctx context.Context, rs io.ReadSeeker, parentID uint64, name string, size int64, sha string) (*Node, error) {
	result, err := c.uploadInitLoop(ctx, parentID, name, sha, size, seekerRangeSHA1(rs))
	if err != nil {
		return nil, err
	}
	if int(result.Status) == 2 {
		logrus.Debugf("115: instant upload hit for %q", name)
		return c.resolveUploaded(ctx, parentID, name, sha, size, result.PickCode)
	}

	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return c.transferOSS(ctx, result, rs, size)
}

// transferOSS moves the source bytes to the blob backend named by an
// upload-init verdict and books the resulting node. Single-shot mode
// needs a seekable source to replay the body on retries; otherwise
// the transfer is multipart, which reads sequentially.
func (c *Client) transferOSS(ctx context.Context, result *api.UploadInitResponse, in io.Reader, size int64) (*Node, error) {
	srv, err := c.ossSrv(ctx)
	if err != nil {
		return nil, err
	}
	cp := oss.Checkpoint{
		Bucket:      result.Bucket,
		Object:      result.Object,
		Callback:    result.Callback.Callback,
		CallbackVar: result.Callback.CallbackVar,
		PartSize:    c.opt.PartSize,
		FileSize:    size,
	}
	var verdict []byte
	rs, seekable := in.(io.ReadSeeker)
	if c.opt.PartSize < 0 && seekable {
		verdict, err = srv.PutObject(ctx, cp.Bucket, cp.Object, rs, size, cp.Callback, cp.CallbackVar)
	} else {
		verdict, err = srv.MultipartUpload(ctx, cp, in, c.opt.UploadConcurrency)
	}
	if err != nil {
		return nil, err
	}
	return c.finishOSS(verdict)
}

// ResumeUpload continues a multipart upload interrupted earlier. cp
// comes from the MultipartAbortError of the failed call; in must
// supply the same bytes as the original source, from the beginning.
func (c *Client) ResumeUpload(ctx context.Context, cp oss.Checkpoint, in io.Reader) (*Node, error) {
	srv, err := c.ossSrv(ctx)
	if err != nil {
		return nil, err
	}
	verdict, err := srv.MultipartUpload(ctx, cp, in, c.opt.UploadConcurrency)
	if err != nil {
		return nil, err
	}
	return c.finishOSS(verdict)
}

// finishOSS decodes the callback verdict the service relays through
// the completion call and books the node.
func (c *Client) finishOSS(verdict []byte) (*Node, error) {
	var result api.CallbackResponse
	if err := json.Unmarshal(verdict, &result); err != nil {
		return nil, errors.Wrapf(err, "decoding upload verdict %q", verdict)
	}
	return c.bookCallback(&result)
}

// bookCallback converts the service's callback verdict into a Node
// and invalidates the parent's cached listing.
func (c *Client) bookCallback(result *api.CallbackResponse) (*Node, error) {
	if err := result.Err(); err != nil {
		return nil, err
	}
	if result.Data == nil {
		return nil, errors.New("upload verdict carries no node")
	}
	node := nodeFromCallback(result.Data)
	node.IsDir = false
	c.attrs.invalidate(node.ParentID)
	return node, nil
}

// resolveUploaded turns an instant-upload hit into a Node. The server
// can lag a moment before the child shows up, so a couple of re-lists
// are attempted before synthesizing a node from what is known.
func (c *Client) resolveUploaded(ctx context.Context, parentID uint64, name, sha string, size int64, pickcode string) (*Node, error) {
	c.attrs.invalidate(parentID)
	for attempt := 0; attempt < 3; attempt++ {
		nodes, err := c.List(ctx, parentID)
		if err != nil {
			return nil, err
		}
		for _, node := range nodes {
			if node.IsDir {
				continue
			}
			if (pickcode != "" && node.PickCode == pickcode) ||
				(node.Name == name && node.SHA1 == sha) {
				return node, nil
			}
		}
		c.attrs.invalidate(parentID)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		}
	}
	logrus.Debugf("115: uploaded %q not listed yet, synthesizing node", name)
	return &Node{
		ParentID: parentID,
		Name:     name,
		Size:     size,
		SHA1:     sha,
		PickCode: pickcode,
	}, nil
}

// UploadByHash registers content the server already knows (dedup) as
// a new file without transferring bytes. Fails with an unsupported
// error if the server demands a range proof, since there is no source
// to read.
func (c *Client) UploadByHash(ctx context.Context, parentID uint64, name, sha1sum string, size int64) (*Node, error) {
	result, err := c.uploadInitLoop(ctx, parentID, name, sha1sum, size, nil)
	if err != nil {
		return nil, err
	}
	if int(result.Status) != 2 {
		return nil, errors.Wrapf(api.ErrNotFound, "no server copy of %s", sha1sum)
	}
	return c.resolveUploaded(ctx, parentID, name, strings.ToUpper(sha1sum), size, result.PickCode)
}

// registerByHash re-registers content the account holds under a new
// name, answering a possible hash challenge from the stored copy.
func (c *Client) registerByHash(ctx context.Context, node *Node, newName string) (*Node, error) {
	var rangeSHA rangeSHA1Func
	if node.PickCode != "" {
		rangeSHA = c.remoteRangeSHA1(node.PickCode)
	}
	result, err := c.uploadInitLoop(ctx, node.ParentID, newName, node.SHA1, node.Size, rangeSHA)
	if err != nil {
		return nil, err
	}
	if int(result.Status) != 2 {
		return nil, errors.Errorf("expected dedup hit for stored content, got status %d", result.Status)
	}
	return c.resolveUploaded(ctx, node.ParentID, newName, node.SHA1, node.Size, result.PickCode)
}

// UploadFromPath uploads a local file. name defaults to the file's
// base name.
func (c *Client) UploadFromPath(ctx context.Context, localPath string, parentID uint64, name string) (*Node, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = fi.Name()
	}
	return c.Upload(ctx, f, parentID, name, fi.Size())
}

// UploadFromURL streams a remote resource into the account. The
// transfer cannot dedup or resume since the body is not seekable.
func (c *Client) UploadFromURL(ctx context.Context, srcURL string, parentID uint64, name string) (*Node, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", srcURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching source")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("fetching source: HTTP %d", resp.StatusCode)
	}
	if name == "" {
		name = path.Base(req.URL.Path)
	}
	return c.Upload(ctx, resp.Body, parentID, name, resp.ContentLength)
}
