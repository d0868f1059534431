package downloader

import (
	"context"
	"net/http"

	"github.com/italolelis/rangeget/internal/telemetry"
	"github.com/italolelis/rangeget/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewHTTPClient returns the client used for range requests. It has no
// overall timeout since downloads may run for hours; stalls are caught by
// the fetcher's idle timeout instead.
func NewHTTPClient(tel *telemetry.Telemetry, opts Options) *http.Client {
	opts = opts.withDefaults()

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.DisableCompression = true
	base.ResponseHeaderTimeout = opts.IdleTimeout

	return &http.Client{
		Transport: otelhttp.NewTransport(base, otelhttp.WithTracerProvider(tel.TracerProvider())),
	}
}

// InstrumentedFetcher wraps Fetcher with telemetry.
type InstrumentedFetcher struct {
	fetcher   *Fetcher
	telemetry *telemetry.Telemetry
}

// NewInstrumentedFetcher creates a new instrumented fetcher.
func NewInstrumentedFetcher(fetcher *Fetcher, tel *telemetry.Telemetry) *InstrumentedFetcher {
	return &InstrumentedFetcher{
		fetcher:   fetcher,
		telemetry: tel,
	}
}

// Fetch runs one fetch attempt with a span, duration and byte metrics.
func (f *InstrumentedFetcher) Fetch(ctx context.Context, req Request, onProgress ProgressFunc) (*Outcome, error) {
	var out *Outcome

	err := f.telemetry.InstrumentDownload(ctx, classify, func(ctx context.Context) error {
		var err error

		out, err = f.fetcher.Fetch(ctx, req, onProgress)

		return err
	})

	if out != nil {
		f.telemetry.RecordBytes(out.ReceivedBytes - out.StartOffset)
	}

	return out, err
}

// Discard removes the partial file for destination.
func (f *InstrumentedFetcher) Discard(destination string) error {
	return f.fetcher.Discard(destination)
}

func classify(err error) string {
	return string(transfer.KindOf(err))
}
