// Package readers contains small io.Reader adapters used when sending
// request bodies that may have to be replayed.
//
// All types are safe for use by a single goroutine at a time unless
// noted otherwise.
package readers

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// NoCloser makes sure that the io.Reader passed in can not upgraded to
// an io.ReadCloser.
//
// This is for use with http.NewRequest to make sure the body doesn't
// get upgraded to an io.ReadCloser and the body closed unexpectedly.
func NoCloser(in io.Reader) io.Reader {
	if in == nil {
		return in
	}
	// if in doesn't implement io.Closer, just return it
	if _, canClose := in.(io.Closer); !canClose {
		return in
	}
	return struct{ io.Reader }{in}
}

// NoSeeker adapts an io.Reader into an io.ReadSeeker.
//
// However if Seek() is called it will return an error.
type NoSeeker struct {
	io.Reader
}

// Seek the stream - returns an error
func (r NoSeeker) Seek(offset int64, whence int) (abs int64, err error) {
	return 0, errors.New("can't Seek")
}

// A RepeatableReader implements io.ReadSeeker over a plain io.Reader.
// Bytes read from the underlying reader are kept in an internal buffer
// so the stream can be rewound and replayed, e.g. to retry an HTTP
// request body. It is safe for concurrent use.
type RepeatableReader struct {
	mu sync.Mutex // protect against concurrent use
	in io.Reader  // Input reader
	i  int64      // current reading index
	b  []byte     // internal cache buffer
}

var _ io.ReadSeeker = (*RepeatableReader)(nil)

// NewRepeatableReader create new repeatable reader from Reader r
func NewRepeatableReader(r io.Reader) *RepeatableReader {
	return &RepeatableReader{in: r}
}

// NewRepeatableReaderSized create new repeatable reader from Reader r
// with an initial buffer of size.
func NewRepeatableReaderSized(r io.Reader, size int) *RepeatableReader {
	return &RepeatableReader{
		in: r,
		b:  make([]byte, 0, size),
	}
}

// NewRepeatableLimitReader create new repeatable reader from Reader r
// wrapped in an io.LimitReader to read only size.
func NewRepeatableLimitReader(r io.Reader, size int) *RepeatableReader {
	return NewRepeatableReaderSized(io.LimitReader(r, int64(size)), size)
}

// Seek implements the io.Seeker interface.
//
// Seeking beyond the bytes read so far is an error - only data which
// has already passed through Read can be revisited.
func (r *RepeatableReader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var abs int64
	cacheLen := int64(len(r.b))
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.i + offset
	case io.SeekEnd:
		abs = cacheLen + offset
	default:
		return 0, errors.New("RepeatableReader.Seek: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("RepeatableReader.Seek: negative position")
	}
	if abs > cacheLen {
		return offset - (abs - cacheLen), errors.New("RepeatableReader.Seek: offset is unavailable")
	}
	r.i = abs
	return abs, nil
}

// Read data from the original Reader into bytes.
// Data is either served from the underlying Reader or from cache if it
// was already read.
func (r *RepeatableReader) Read(b []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cacheLen := int64(len(r.b))
	if r.i == cacheLen {
		n, err = r.in.Read(b)
		if n > 0 {
			r.b = append(r.b, b[:n]...)
		}
	} else {
		n = copy(b, r.b[r.i:])
	}
	r.i += int64(n)
	return n, err
}
