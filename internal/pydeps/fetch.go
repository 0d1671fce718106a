package pydeps

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/seyoung4503/asgipack/internal/buildcontext"
)

// Fetcher retrieves the artifact for one locked package. Implementations
// must return the bytes the lock's URL points at; verification against the
// locked sha256 happens in the installer, not here.
type Fetcher interface {
	Fetch(ctx context.Context, pkg buildcontext.LockedPackage) (io.ReadCloser, int64, error)
}

// HTTPFetcher downloads wheels over HTTP, optionally rendering a progress
// bar per package.
type HTTPFetcher struct {
	Client   *http.Client
	Progress *mpb.Progress
}

func (f *HTTPFetcher) Fetch(ctx context.Context, pkg buildcontext.LockedPackage) (io.ReadCloser, int64, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pkg.URL, nil)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "request %s", pkg.Name)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "fetch %s", pkg.Name)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("fetch %s: unexpected status %s", pkg.Name, resp.Status)
	}

	body := resp.Body
	if f.Progress != nil && resp.ContentLength > 0 {
		bar := f.Progress.AddBar(resp.ContentLength,
			mpb.PrependDecorators(
				decor.Name(pkg.Name+" "),
				decor.CountersKibiByte("% .1f / % .1f"),
			),
			mpb.AppendDecorators(decor.Percentage()),
			mpb.BarRemoveOnComplete(),
		)
		body = bar.ProxyReader(resp.Body)
	}

	return body, resp.ContentLength, nil
}
