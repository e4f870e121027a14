package oss

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yunkit/go115/pacer"
)

// DefaultPartSize is used when the caller does not choose one
const DefaultPartSize = 10 << 20

// Checkpoint names an in-flight multipart upload. It is handed to the
// caller inside a MultipartAbortError and accepted back to resume; the
// source bytes are re-supplied by the caller.
type Checkpoint struct {
	Bucket      string `json:"bucket"`
	Object      string `json:"object"`
	UploadID    string `json:"upload_id"`
	Callback    string `json:"callback"`
	CallbackVar string `json:"callback_var"`
	PartSize    int64  `json:"part_size"`
	FileSize    int64  `json:"file_size"`
}

// MultipartAbortError reports an interrupted multipart upload. The
// embedded checkpoint lets the caller resume instead of restarting;
// it is the documented resume signal, not a failure to swallow.
type MultipartAbortError struct {
	Checkpoint Checkpoint
	Err        error
}

// Error returns a string for the error and satisfies the error interface
func (e *MultipartAbortError) Error() string {
	return fmt.Sprintf("multipart upload %q interrupted: %v", e.Checkpoint.UploadID, e.Err)
}

// Unwrap returns the underlying error
func (e *MultipartAbortError) Unwrap() error {
	return e.Err
}

// MultipartUpload drives a multipart upload of in, whose length must
// be cp.FileSize, and returns the service's callback verdict.
//
// If cp.UploadID is empty a new upload is started. Otherwise the
// server's part list is consulted and only parts not yet present are
// sent: a contiguous prefix of full-size parts counts as done, the
// rest is re-uploaded. Parts go up in parallel, bounded by
// concurrency; the completion call is made once, after all of them.
//
// Any failure (including context cancellation) comes back wrapped in
// a *MultipartAbortError carrying the checkpoint.
func (c *Client) MultipartUpload(ctx context.Context, cp Checkpoint, in io.Reader, concurrency int) ([]byte, error) {
	if cp.PartSize <= 0 {
		cp.PartSize = DefaultPartSize
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	resuming := cp.UploadID != ""
	if !resuming {
		uploadID, err := c.InitiateMultipartUpload(ctx, cp.Bucket, cp.Object)
		if err != nil {
			return nil, err
		}
		cp.UploadID = uploadID
	}

	numParts := int((cp.FileSize + cp.PartSize - 1) / cp.PartSize)
	if numParts == 0 {
		numParts = 1 // empty object still needs one (empty) part
	}

	// Which parts does the server already have?
	var done []CompletePart
	if resuming {
		existing, err := c.ListUploadedParts(ctx, cp.Bucket, cp.Object, cp.UploadID)
		if err != nil {
			return nil, &MultipartAbortError{Checkpoint: cp, Err: err}
		}
		done = contiguousPrefix(existing, cp.PartSize, numParts, cp.FileSize)
	}
	if len(done) > 0 {
		logrus.Debugf("oss: resuming upload %q at part %d/%d", cp.UploadID, len(done)+1, numParts)
		skip := int64(len(done)) * cp.PartSize
		if _, err := io.CopyN(io.Discard, in, skip); err != nil {
			return nil, &MultipartAbortError{Checkpoint: cp, Err: errors.Wrap(err, "skipping uploaded bytes")}
		}
	}

	parts := make([]CompletePart, numParts)
	copy(parts, done)

	g, gCtx := errgroup.WithContext(ctx)
	tokens := pacer.NewTokenDispenser(concurrency)
	var readErr error
	var mu sync.Mutex

	for partNum := len(done) + 1; partNum <= numParts; partNum++ {
		size := cp.PartSize
		if partNum == numParts {
			size = cp.FileSize - int64(numParts-1)*cp.PartSize
		}
		buf := make([]byte, size)
		// The source is sequential so reads stay on this goroutine;
		// only the PUTs fan out.
		if _, err := io.ReadFull(in, buf); err != nil {
			readErr = errors.Wrapf(err, "reading part %d", partNum)
			break
		}
		partNum := partNum
		tokens.Get()
		g.Go(func() error {
			defer tokens.Put()
			etag, err := c.UploadPart(gCtx, cp.Bucket, cp.Object, cp.UploadID, partNum, buf)
			if err != nil {
				return err
			}
			mu.Lock()
			parts[partNum-1] = CompletePart{PartNumber: partNum, ETag: etag}
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = readErr
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, &MultipartAbortError{Checkpoint: cp, Err: err}
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	body, err := c.CompleteMultipartUpload(ctx, cp.Bucket, cp.Object, cp.UploadID, parts, cp.Callback, cp.CallbackVar)
	if err != nil {
		return nil, &MultipartAbortError{Checkpoint: cp, Err: err}
	}
	return body, nil
}

// contiguousPrefix returns completion entries for the leading run of
// full-size parts. The first missing or short part invalidates
// everything after it. The final part is accepted at its natural
// (possibly shorter) size.
func contiguousPrefix(existing []UploadedPart, partSize int64, numParts int, fileSize int64) []CompletePart {
	byNumber := make(map[int]UploadedPart, len(existing))
	for _, p := range existing {
		byNumber[p.PartNumber] = p
	}
	var done []CompletePart
	for n := 1; n <= numParts; n++ {
		p, ok := byNumber[n]
		if !ok {
			break
		}
		want := partSize
		if n == numParts {
			want = fileSize - int64(numParts-1)*partSize
		}
		if p.Size != want {
			break
		}
		done = append(done, CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	return done
}
