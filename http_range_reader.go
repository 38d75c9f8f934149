package rasterstream

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

// Default read-ahead buffer size (64KB) for sequential access optimization
const defaultReadAheadSize = 64 * 1024

// HTTPStatusError is returned for unexpected HTTP response codes.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d for %s", e.StatusCode, e.URL)
}

// Missing reports whether the server said the resource does not exist.
func (e *HTTPStatusError) Missing() bool {
	return e.StatusCode == fasthttp.StatusNotFound || e.StatusCode == fasthttp.StatusNoContent
}

// httpGet performs one request and returns a copy of the body.
func httpGet(client *fasthttp.Client, method, url string, timeout time.Duration, header map[string]string) ([]byte, *fasthttp.ResponseHeader, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(method)
	for k, v := range header {
		req.Header.Set(k, v)
	}

	if err := client.DoTimeout(req, resp, timeout); err != nil {
		return nil, nil, fmt.Errorf("failed to %s %s: %w", method, url, err)
	}

	status := resp.StatusCode()
	if status != fasthttp.StatusOK && status != fasthttp.StatusPartialContent {
		return nil, nil, &HTTPStatusError{URL: url, StatusCode: status}
	}

	// copy body since response will be released
	body := append([]byte(nil), resp.Body()...)
	hdr := &fasthttp.ResponseHeader{}
	resp.Header.CopyTo(hdr)
	return body, hdr, nil
}

// HTTPRangeReader implements io.ReaderAt over HTTP range requests.
// A read-ahead buffer serves the small sequential reads of TIFF header parsing.
type HTTPRangeReader struct {
	url       string
	client    *fasthttp.Client
	timeout   time.Duration
	userAgent string
	size      int64
	readAhead int

	mu          sync.Mutex
	buffer      []byte
	bufferStart int64
}

// NewHTTPRangeReader probes the remote file size with a HEAD request.
func NewHTTPRangeReader(url string, opts Options) (*HTTPRangeReader, error) {
	opts = opts.normalized()
	rr := &HTTPRangeReader{
		url:         url,
		client:      opts.Client,
		timeout:     opts.HTTPTimeout,
		userAgent:   opts.UserAgent,
		readAhead:   opts.ReadAhead,
		bufferStart: -1,
	}

	_, hdr, err := httpGet(rr.client, fasthttp.MethodHead, url, rr.timeout, rr.headers())
	if err != nil {
		return nil, err
	}
	if n := hdr.ContentLength(); n > 0 {
		rr.size = int64(n)
	} else {
		return nil, fmt.Errorf("server did not report a content length for %s", url)
	}
	return rr, nil
}

func (rr *HTTPRangeReader) headers() map[string]string {
	return map[string]string{"User-Agent": rr.userAgent}
}

// ReadAt reads len(p) bytes at off. Reads past the end return io.EOF with the bytes available.
func (rr *HTTPRangeReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset: %d", off)
	}
	if off >= rr.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if off+want > rr.size {
		want = rr.size - off
	}

	rr.mu.Lock()
	if rr.bufferStart >= 0 && off >= rr.bufferStart && off+want <= rr.bufferStart+int64(len(rr.buffer)) {
		n := copy(p[:want], rr.buffer[off-rr.bufferStart:])
		rr.mu.Unlock()
		return rr.result(n, len(p))
	}
	rr.mu.Unlock()

	fetch := max(want, int64(rr.readAhead))
	if off+fetch > rr.size {
		fetch = rr.size - off
	}
	data, err := rr.fetchRange(off, off+fetch-1)
	if err != nil {
		return 0, err
	}

	n := copy(p[:want], data)
	if len(data) > int(want) {
		rr.mu.Lock()
		rr.buffer = data
		rr.bufferStart = off
		rr.mu.Unlock()
	}
	return rr.result(n, len(p))
}

func (rr *HTTPRangeReader) result(n, want int) (int, error) {
	if n < want {
		return n, io.EOF
	}
	return n, nil
}

// fetchRange fetches the inclusive byte range [start, end].
func (rr *HTTPRangeReader) fetchRange(start, end int64) ([]byte, error) {
	h := rr.headers()
	h["Range"] = fmt.Sprintf("bytes=%d-%d", start, end)
	body, hdr, err := httpGet(rr.client, fasthttp.MethodGet, rr.url, rr.timeout, h)
	if err != nil {
		return nil, err
	}
	// a server that ignores Range answers 200 with the whole file
	if hdr.StatusCode() == fasthttp.StatusOK && int64(len(body)) > end-start+1 {
		if start >= int64(len(body)) {
			return nil, io.EOF
		}
		body = body[start:min(end+1, int64(len(body)))]
	}
	return body, nil
}

// Size returns the remote file size.
func (rr *HTTPRangeReader) Size() int64 {
	return rr.size
}

// Close drops the read-ahead buffer.
func (rr *HTTPRangeReader) Close() error {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.buffer = nil
	rr.bufferStart = -1
	return nil
}
