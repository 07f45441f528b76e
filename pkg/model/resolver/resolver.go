// Package resolver implements the model resolver (C5): given a model name,
// produce an absolute primary path by trying local cache, then shared
// cache, then the router's blob endpoint, in that order.
package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/atomicwriter"

	"github.com/dockerlabs/noded/pkg/model"
)

// Tier names one of the three resolution tiers attempted, in order, for
// diagnostics on a NotFoundError.
type Tier string

const (
	TierLocal  Tier = "local"
	TierShared Tier = "shared"
	TierRouter Tier = "router"
)

// NotFoundError reports that none of the resolution tiers produced a
// model, carrying which tiers were attempted (spec.md §4.5).
type NotFoundError struct {
	Name          string
	TriedTiers    []Tier
	TierErrors    map[Tier]error
}

func (e *NotFoundError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "model %q not found after trying tiers %v", e.Name, e.TriedTiers)
	for _, tier := range e.TriedTiers {
		if err := e.TierErrors[tier]; err != nil {
			fmt.Fprintf(&b, "; %s: %v", tier, err)
		}
	}
	return b.String()
}

// RouterClient fetches a model blob from the router, writing it to dst.
// Resolver wires this to an HTTP GET against
// "<router base>/v0/models/blob/<url-encoded id>" (spec.md §4.6), but the
// interface is kept narrow so tests can substitute a stub.
type RouterClient interface {
	FetchBlob(ctx context.Context, name string, dst io.Writer) error
}

// HTTPRouterClient is the production RouterClient, issuing a GET against
// the router's blob endpoint.
type HTTPRouterClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (c *HTTPRouterClient) FetchBlob(ctx context.Context, name string, dst io.Writer) error {
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/v0/models/blob/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("router blob fetch: unexpected status %s", resp.Status)
	}
	_, err = io.Copy(dst, resp.Body)
	return err
}

// Resolver produces an absolute primary path for a model name, trying
// local cache, shared cache, and the router blob endpoint in order.
type Resolver struct {
	local  *model.Storage
	shared *model.Storage
	router RouterClient
}

// New returns a Resolver. sharedRoot may be empty to disable the shared
// tier. router may be nil to disable the router tier (e.g. standalone
// mode with no router configured).
func New(localRoot, sharedRoot string, router RouterClient) *Resolver {
	r := &Resolver{local: model.NewStorage(localRoot), router: router}
	if sharedRoot != "" {
		r.shared = model.NewStorage(sharedRoot)
	}
	return r
}

// Resolve returns the descriptor for name, trying local, then shared
// (direct reference — no copy), then downloading from the router's blob
// endpoint into the local cache. If all three fail, it returns a
// *NotFoundError naming every tier attempted.
func (r *Resolver) Resolve(ctx context.Context, name string) (model.Descriptor, error) {
	tried := make([]Tier, 0, 3)
	errs := make(map[Tier]error, 3)

	tried = append(tried, TierLocal)
	if desc, err := r.local.Resolve(name); err == nil {
		return desc, nil
	} else {
		errs[TierLocal] = err
	}

	if r.shared != nil {
		tried = append(tried, TierShared)
		if desc, err := r.shared.Resolve(name); err == nil {
			return desc, nil
		} else {
			errs[TierShared] = err
		}
	}

	if r.router != nil {
		tried = append(tried, TierRouter)
		if desc, err := r.fetchFromRouter(ctx, name); err == nil {
			return desc, nil
		} else {
			errs[TierRouter] = err
		}
	}

	return model.Descriptor{}, &NotFoundError{Name: name, TriedTiers: tried, TierErrors: errs}
}

// ResolveContext is an alias for Resolve, named to match
// dispatch.DescriptorResolver's method name (shared with
// model.Storage.ResolveContext, which has no ctx-taking Resolve of its
// own to collide with).
func (r *Resolver) ResolveContext(ctx context.Context, name string) (model.Descriptor, error) {
	return r.Resolve(ctx, name)
}

// fetchFromRouter downloads name's blob into the local cache at
// <local_root>/<sanitised>/model.gguf and resolves the resulting
// descriptor (spec.md §4.5's third tier).
func (r *Resolver) fetchFromRouter(ctx context.Context, name string) (model.Descriptor, error) {
	dir, err := model.ModelNameToDir(name)
	if err != nil {
		return model.Descriptor{}, err
	}
	destDir := filepath.Join(r.local.Root(), filepath.FromSlash(dir))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return model.Descriptor{}, err
	}
	destPath := filepath.Join(destDir, "model.gguf")

	// atomicwriter writes to a temp file in destDir and renames into place
	// on Close, so a reader never observes a partially-downloaded blob at
	// destPath.
	w, err := atomicwriter.New(destPath, 0o644)
	if err != nil {
		return model.Descriptor{}, err
	}
	if err := r.router.FetchBlob(ctx, name, w); err != nil {
		w.Close()
		return model.Descriptor{}, err
	}
	if err := w.Close(); err != nil {
		return model.Descriptor{}, err
	}

	return r.local.Resolve(name)
}
