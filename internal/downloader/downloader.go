package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/rangeget/internal/downloader/progress"
	"github.com/italolelis/rangeget/internal/logctx"
	"github.com/italolelis/rangeget/internal/transfer"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	// PartSuffix is appended to the destination while the download is in flight.
	PartSuffix = ".part"

	DefaultChunkSize        = 32 * 1024
	DefaultProgressInterval = 200 * time.Millisecond
	DefaultIdleTimeout      = 30 * time.Second
)

var errIdleTimeout = errors.New("no data received within idle timeout")

// Request describes one fetch attempt.
type Request struct {
	ID          string
	URL         string
	Destination string
	Resume      *transfer.ResumeToken
}

// Outcome reports what a fetch attempt achieved. It is returned on failure
// too, so the caller can persist Resume.
type Outcome struct {
	Path          string
	StartOffset   int64
	ReceivedBytes int64
	TotalBytes    int64
	Validator     string
	SuggestedName string
	// Restarted is true when a resume was requested but the server sent the
	// full representation, so the write started over at byte 0.
	Restarted bool
	// Resume is the point a later attempt can continue from, if any.
	Resume *transfer.ResumeToken
}

// ProgressFunc receives the received byte count and the total (-1 when unknown).
type ProgressFunc func(received, total int64)

// Options tunes the fetcher.
type Options struct {
	ChunkSize        int
	ProgressInterval time.Duration
	IdleTimeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}

	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}

	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}

	return o
}

// Fetcher streams one URL into a destination file with HTTP range resume.
type Fetcher struct {
	client *http.Client
	opts   Options
}

// NewFetcher returns a fetcher using client. A nil client uses NewHTTPClient.
func NewFetcher(client *http.Client, opts Options) *Fetcher {
	opts = opts.withDefaults()
	if client == nil {
		client = NewHTTPClient(nil, opts)
	}

	return &Fetcher{client: client, opts: opts}
}

// PartPath is where the in-flight bytes for destination live.
func PartPath(destination string) string {
	return destination + PartSuffix
}

// Discard removes the partial file for destination.
func (f *Fetcher) Discard(destination string) error {
	if err := os.Remove(PartPath(destination)); err != nil && !os.IsNotExist(err) {
		return &transfer.Error{Kind: transfer.KindFilesystem, Op: "discard", Err: err}
	}

	return nil
}

// Fetch downloads req.URL to req.Destination. When req.Resume carries an
// offset and a validator, only the missing bytes are requested; if the
// server no longer matches the validator the file is rewritten from byte 0.
// Every error returned is a *transfer.Error.
func (f *Fetcher) Fetch(ctx context.Context, req Request, onProgress ProgressFunc) (*Outcome, error) {
	logger := logctx.LoggerFromContext(ctx).With("url", req.URL, "target", req.Destination)

	out := &Outcome{Path: req.Destination, TotalBytes: transfer.UnknownSize}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		if err == nil {
			err = fmt.Errorf("unsupported url %q", req.URL)
		}

		return out, &transfer.Error{Kind: transfer.KindTransport, Op: "parse_url", URL: req.URL, Err: err}
	}

	if err := ensureTargetDir(req.Destination, logger); err != nil {
		return out, &transfer.Error{Kind: transfer.KindFilesystem, Op: "mkdir", URL: req.URL, Err: err}
	}

	partPath := PartPath(req.Destination)
	offset, validator := resumePoint(partPath, req.Resume)

	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return out, &transfer.Error{Kind: transfer.KindFilesystem, Op: "open", URL: req.URL, Err: err}
	}

	defer file.Close()

	if err := rewind(file, offset); err != nil {
		return out, &transfer.Error{Kind: transfer.KindFilesystem, Op: "seek", URL: req.URL, Err: err}
	}

	out.StartOffset = offset
	out.ReceivedBytes = offset
	out.Validator = validator

	fetchCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	idle := time.AfterFunc(f.opts.IdleTimeout, func() { cancel(errIdleTimeout) })
	defer idle.Stop()

	resp, err := f.do(fetchCtx, req.URL, offset, validator)
	if err != nil {
		return out, f.failure(ctx, fetchCtx, out, "request", req.URL, err)
	}
	defer resp.Body.Close()

	idle.Reset(f.opts.IdleTimeout)

	if name := suggestedName(resp); name != "" {
		out.SuggestedName = name
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		start, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil || start != offset || (total >= 0 && total <= offset) {
			f.discardPart(file, partPath, logger)

			return out, &transfer.Error{Kind: transfer.KindIntegrity, Op: "content_range", URL: req.URL, Resumable: true, Err: fmt.Errorf("server answered range %q for offset %d", resp.Header.Get("Content-Range"), offset)}
		}

		out.TotalBytes = total
		if v := responseValidator(resp); v != "" {
			out.Validator = v
		}
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		f.discardPart(file, partPath, logger)

		return out, &transfer.Error{Kind: transfer.KindIntegrity, Op: "resume", URL: req.URL, StatusCode: resp.StatusCode, Resumable: true}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if offset > 0 {
			logger.Warn("server sent full content instead of a range, restarting from byte 0",
				"status", resp.StatusCode, "offset", offset)

			if err := rewind(file, 0); err != nil {
				return out, &transfer.Error{Kind: transfer.KindFilesystem, Op: "truncate", URL: req.URL, Err: err}
			}

			out.Restarted = true
			out.StartOffset = 0
			out.ReceivedBytes = 0
			offset = 0
		}

		out.TotalBytes = resp.ContentLength
		if out.TotalBytes < 0 {
			out.TotalBytes = transfer.UnknownSize
		}

		out.Validator = responseValidator(resp)
	default:
		herr := &transfer.Error{
			Kind:       transfer.KindHTTPStatus,
			Op:         "request",
			URL:        req.URL,
			StatusCode: resp.StatusCode,
			Resumable:  transfer.IsTransientStatus(resp.StatusCode),
		}
		if herr.Resumable {
			out.Resume = tokenFor(out)
		}

		return out, herr
	}

	logger.Info("downloading file",
		"offset", humanize.Bytes(uint64(offset)),
		"file_size", sizeString(out.TotalBytes),
		"restarted", out.Restarted)

	if err := f.stream(fetchCtx, file, resp.Body, out, idle, onProgress); err != nil {
		if te := (*transfer.Error)(nil); errors.As(err, &te) {
			te.URL = req.URL
			if te.Kind == transfer.KindIntegrity {
				f.discardPart(file, partPath, logger)
			}

			return out, err
		}

		return out, f.failure(ctx, fetchCtx, out, "read_body", req.URL, err)
	}

	if err := finalize(file, partPath, req.Destination); err != nil {
		return out, &transfer.Error{Kind: transfer.KindFilesystem, Op: "finalize", URL: req.URL, Err: err}
	}

	logger.Info("downloaded and saved file", "size", humanize.Bytes(uint64(out.ReceivedBytes)))

	return out, nil
}

func (f *Fetcher) do(ctx context.Context, rawURL string, offset int64, validator string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	// Transparent gzip would make byte offsets meaningless.
	req.Header.Set("Accept-Encoding", "identity")

	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
		req.Header.Set("If-Range", validator)
	}

	return f.client.Do(req)
}

// stream copies body into file chunk by chunk, checking for cancellation
// between chunks.
func (f *Fetcher) stream(ctx context.Context, file *os.File, body io.Reader, out *Outcome, idle *time.Timer, onProgress ProgressFunc) error {
	pr := progress.NewReader(body, out.ReceivedBytes, out.TotalBytes, f.opts.ProgressInterval, onProgress)
	pr.Flush()

	buf := make([]byte, f.opts.ChunkSize)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, rerr := pr.Read(buf)
		if errors.Is(rerr, progress.ErrExceedsTotal) {
			return &transfer.Error{Kind: transfer.KindIntegrity, Op: "read_body", Resumable: true,
				Err: fmt.Errorf("received more than the declared %d bytes: %w", out.TotalBytes, rerr)}
		}

		if n > 0 {
			idle.Reset(f.opts.IdleTimeout)

			if _, werr := file.Write(buf[:n]); werr != nil {
				return &transfer.Error{Kind: transfer.KindFilesystem, Op: "write", Err: werr}
			}

			out.ReceivedBytes = pr.Received()
		}

		if errors.Is(rerr, io.EOF) {
			break
		}

		if rerr != nil {
			return rerr
		}
	}

	if out.TotalBytes >= 0 && out.ReceivedBytes != out.TotalBytes {
		return io.ErrUnexpectedEOF
	}

	pr.Flush()

	return nil
}

// failure translates a request or body error into the transfer taxonomy and
// records the resume point when one exists.
func (f *Fetcher) failure(parent, fetchCtx context.Context, out *Outcome, op, rawURL string, err error) error {
	switch {
	case parent.Err() != nil:
		out.Resume = tokenFor(out)

		return &transfer.Error{Kind: transfer.KindCancelled, Op: op, URL: rawURL, Err: context.Cause(parent)}
	case errors.Is(context.Cause(fetchCtx), errIdleTimeout):
		out.Resume = tokenFor(out)

		return &transfer.Error{Kind: transfer.KindTransport, Op: "idle_timeout", URL: rawURL, Resumable: true, Err: errIdleTimeout}
	case permanentTransportError(err):
		return &transfer.Error{Kind: transfer.KindTransport, Op: op, URL: rawURL, Err: err}
	default:
		out.Resume = tokenFor(out)

		return &transfer.Error{Kind: transfer.KindTransport, Op: op, URL: rawURL, Resumable: true, Err: err}
	}
}

func (f *Fetcher) discardPart(file *os.File, partPath string, logger *slog.Logger) {
	file.Close()

	if err := os.Remove(partPath); err != nil && !os.IsNotExist(err) {
		logger.Error("failed to remove partial file", "path", partPath, "err", err)
	}
}

// resumePoint decides the byte offset a fetch may continue from. Without a
// validator there is no safe way to detect a changed resource, so the
// download starts over.
func resumePoint(partPath string, tok *transfer.ResumeToken) (int64, string) {
	if tok == nil || tok.Offset <= 0 || tok.Validator == "" {
		return 0, ""
	}

	info, err := os.Stat(partPath)
	if err != nil || info.Size() == 0 {
		return 0, ""
	}

	offset := tok.Offset
	if info.Size() < offset {
		offset = info.Size()
	}

	return offset, tok.Validator
}

// tokenFor builds the resume token for the bytes already on disk, or nil
// when nothing can be resumed.
func tokenFor(out *Outcome) *transfer.ResumeToken {
	if out.ReceivedBytes <= 0 || out.Validator == "" {
		return nil
	}

	return &transfer.ResumeToken{
		Offset:     out.ReceivedBytes,
		Validator:  out.Validator,
		TotalBytes: out.TotalBytes,
	}
}

func rewind(file *os.File, offset int64) error {
	if err := file.Truncate(offset); err != nil {
		return err
	}

	_, err := file.Seek(offset, io.SeekStart)

	return err
}

func finalize(file *os.File, partPath, destination string) error {
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(partPath, destination); err != nil {
		return fmt.Errorf("failed to rename file into place: %w", err)
	}

	return nil
}

func ensureTargetDir(targetPath string, logger *slog.Logger) error {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		logger.Error("failed to create target directory", "dir", dir, "err", err)

		return fmt.Errorf("failed to create target directory: %w", err)
	}

	return nil
}

// responseValidator prefers a strong ETag and falls back to Last-Modified.
// Weak ETags are not allowed in If-Range.
func responseValidator(resp *http.Response) string {
	if etag := resp.Header.Get("ETag"); etag != "" && !strings.HasPrefix(etag, "W/") {
		return etag
	}

	return resp.Header.Get("Last-Modified")
}

// parseContentRange parses "bytes start-end/total". Total is -1 for "*".
func parseContentRange(header string) (start, total int64, err error) {
	value, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	rng, size, ok := strings.Cut(value, "/")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	first, _, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	if size == "*" {
		return start, transfer.UnknownSize, nil
	}

	total, err = strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}

	return start, total, nil
}

func suggestedName(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return filepath.Base(params["filename"])
		}
	}

	if resp.Request != nil && resp.Request.URL != nil {
		if base := path.Base(resp.Request.URL.Path); base != "/" && base != "." {
			return base
		}
	}

	return ""
}

// permanentTransportError reports request errors that a retry cannot fix.
func permanentTransportError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return true
	}

	var uerr *url.Error
	if errors.As(err, &uerr) {
		var perr *url.Error
		if errors.As(uerr.Err, &perr) {
			return true
		}

		if strings.Contains(uerr.Err.Error(), "unsupported protocol scheme") {
			return true
		}
	}

	return false
}

func sizeString(n int64) string {
	if n < 0 {
		return "unknown"
	}

	return humanize.Bytes(uint64(n))
}
