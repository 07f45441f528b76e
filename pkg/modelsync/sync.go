package modelsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/moby/sys/atomicwriter"

	"github.com/dockerlabs/noded/pkg/download"
	"github.com/dockerlabs/noded/pkg/logging"
	"github.com/dockerlabs/noded/pkg/model"
)

// State is the sync-status state machine's current phase (spec.md §4.6
// step 5).
type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching_catalog"
	StateComparing  State = "comparing"
	StateDownloading State = "downloading"
	StateUpToDate   State = "up_to_date"
	StateError      State = "error"
)

// Status is the externally-observable sync state, safe to copy.
type Status struct {
	State       State
	ToDownload  []string
	ToDelete    []string
	LastError   string
}

// Diff is the result of comparing a router catalog against local storage.
type Diff struct {
	ToDownload []CatalogEntry
	ToDelete   []string
}

// diffCatalog compares entries against the local descriptor list using
// normalised names, per spec.md §4.6 step 2. Comparison runs both sides
// through canonicalName so a remote entry and a local model referred to
// by differently-spelled-but-equivalent names (e.g. "llama3" vs.
// "library/llama3:latest") are recognised as the same model; the
// directory names recorded in ToDelete stay the literal local directory
// names, since they identify what's actually on disk.
func diffCatalog(entries []CatalogEntry, local []model.Descriptor) Diff {
	localByCanonical := make(map[string]string, len(local))
	for _, d := range local {
		localByCanonical[canonicalName(d.Name)] = d.Name
	}

	remoteCanonical := make(map[string]struct{}, len(entries))
	var diff Diff
	for _, e := range entries {
		canon := canonicalName(e.Key())
		remoteCanonical[canon] = struct{}{}
		if _, ok := localByCanonical[canon]; !ok {
			diff.ToDownload = append(diff.ToDownload, e)
		}
	}
	for canon, name := range localByCanonical {
		if _, ok := remoteCanonical[canon]; !ok {
			diff.ToDelete = append(diff.ToDelete, name)
		}
	}
	return diff
}

// RouterClient is the subset of router API calls C6 needs: fetching the
// catalog and a model blob.
type RouterClient interface {
	FetchCatalog(ctx context.Context) ([]byte, string, error) // body, etag, error
	BlobURL(name string) string
}

// HTTPRouterClient is the production RouterClient.
type HTTPRouterClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (c *HTTPRouterClient) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *HTTPRouterClient) FetchCatalog(ctx context.Context) ([]byte, string, error) {
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/v0/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetching catalog: unexpected status %s", resp.Status)
	}
	body := make([]byte, 0)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	return body, resp.Header.Get("ETag"), nil
}

func (c *HTTPRouterClient) BlobURL(name string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/v0/models/blob/" + url.PathEscape(name)
}

// Syncer reconciles a router catalog against local model storage
// (spec.md §4.6).
type Syncer struct {
	storage     *model.Storage
	router      RouterClient
	downloader  *download.Downloader
	log         logging.Logger
	deleteStale bool

	cache *EtagCache

	mu      sync.Mutex
	status  Status
	entries []CatalogEntry
}

// New returns a Syncer rooted at storage, talking to router, delegating
// multi-file fetches to downloader. etagCachePath is where the ETag+size
// cache is persisted (spec.md §4.6 step 5); pass "" to disable caching.
// deleteStale controls whether Sync actually removes models ToDelete
// names (spec.md's Open Question: "add a config flag if deletion is
// desired" — wired to NODED_DELETE_STALE_MODELS, default off/preserve).
func New(storage *model.Storage, router RouterClient, downloader *download.Downloader, log logging.Logger, etagCachePath string, deleteStale bool) *Syncer {
	return &Syncer{
		storage:     storage,
		router:      router,
		downloader:  downloader,
		log:         log,
		deleteStale: deleteStale,
		cache:       NewEtagCache(etagCachePath),
		status:      Status{State: StateIdle},
	}
}

// Status returns a snapshot of the current sync status.
func (s *Syncer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Lookup returns the most recently fetched catalog's entry for name, if
// any. The inference dispatcher (C13) uses this to synthesise a stub
// descriptor for a model it knows about remotely but hasn't resolved
// locally yet.
func (s *Syncer) Lookup(name string) (CatalogEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Key() == name {
			return e, true
		}
	}
	return CatalogEntry{}, false
}

// Sync runs one reconciliation pass: fetch catalog, diff, download, then
// either log or remove each ToDelete entry depending on deleteStale
// (spec.md §4.6 deletion policy: "a list, never an action" by default;
// the Open Question's config flag opts a node into actually deleting).
func (s *Syncer) Sync(ctx context.Context) (Diff, error) {
	s.setState(StateFetching, "")
	body, etag, err := s.router.FetchCatalog(ctx)
	if err != nil {
		s.setState(StateError, err.Error())
		return Diff{}, err
	}

	if cached, ok := s.cache.lookup("__catalog__"); ok && cached.ETag == etag && etag != "" {
		s.setState(StateUpToDate, "")
		return Diff{}, nil
	}

	entries, err := ParseCatalog(body)
	if err != nil {
		s.setState(StateError, err.Error())
		return Diff{}, err
	}
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	s.setState(StateComparing, "")
	local, err := s.storage.List()
	if err != nil {
		s.setState(StateError, err.Error())
		return Diff{}, err
	}
	diff := diffCatalog(entries, local)

	s.mu.Lock()
	s.status.State = StateDownloading
	s.status.ToDownload = keysOf(diff.ToDownload)
	s.status.ToDelete = diff.ToDelete
	s.mu.Unlock()

	for _, entry := range diff.ToDownload {
		if err := s.materialize(ctx, entry); err != nil {
			s.log.Warnf("modelsync: %s: %v", entry.Key(), err)
			continue
		}
	}
	s.reconcileStale(diff.ToDelete)

	s.cache.store("__catalog__", etag, int64(len(body)))
	if err := s.cache.persist(); err != nil {
		s.log.Warnf("modelsync: persisting etag cache: %v", err)
	}

	s.setState(StateUpToDate, "")
	return diff, nil
}

// reconcileStale logs each locally-stored model the catalog no longer
// lists, additionally removing it when s.deleteStale opts in.
func (s *Syncer) reconcileStale(names []string) {
	for _, name := range names {
		if !s.deleteStale {
			s.log.Infof("modelsync: %s is no longer in the router catalog, preserving (NODED_DELETE_STALE_MODELS=false)", name)
			continue
		}
		dir := filepath.Join(s.storage.Root(), filepath.FromSlash(name))
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warnf("modelsync: deleting stale model %s: %v", name, err)
			continue
		}
		s.log.Infof("modelsync: deleted stale model %s", name)
	}
}

func (s *Syncer) setState(state State, lastErr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = state
	s.status.LastError = lastErr
}

// materialize fetches a single catalog entry into local storage, per
// spec.md §4.6 step 3: prefer a directly-accessible local_path (no copy),
// else delegate to the Downloader against the router blob endpoint, else
// fall back to download_url.
func (s *Syncer) materialize(ctx context.Context, entry CatalogEntry) error {
	if entry.LocalPath != "" {
		if info, err := os.Stat(entry.LocalPath); err == nil && !info.IsDir() {
			return s.writeMetadata(entry)
		}
	}

	dir, err := model.ModelNameToDir(entry.Key())
	if err != nil {
		return err
	}
	destDir := filepath.Join(s.storage.Root(), filepath.FromSlash(dir))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	destPath := filepath.Join(destDir, "model.gguf")

	sourceURL := s.routerBlobURL(entry)
	job := download.Job{
		Name:        entry.Key(),
		URL:         sourceURL,
		Destination: destPath,
	}
	if err := s.downloader.FetchOne(ctx, job); err != nil {
		if entry.DownloadURL == "" || sourceURL == entry.DownloadURL {
			return err
		}
		fallback := job
		fallback.URL = entry.DownloadURL
		if err := s.downloader.FetchOne(ctx, fallback); err != nil {
			return err
		}
	}

	return s.writeMetadata(entry)
}

func (s *Syncer) routerBlobURL(entry CatalogEntry) string {
	if s.router != nil {
		return s.router.BlobURL(entry.Key())
	}
	return entry.DownloadURL
}

// writeMetadata records the chat template captured from the catalog
// entry into metadata.json, per spec.md §4.6 step 4.
func (s *Syncer) writeMetadata(entry CatalogEntry) error {
	if entry.ChatTemplate == "" {
		return nil
	}
	dir, err := model.ModelNameToDir(entry.Key())
	if err != nil {
		return err
	}
	destDir := filepath.Join(s.storage.Root(), filepath.FromSlash(dir))
	raw, err := json.Marshal(struct {
		ChatTemplate string `json:"chat_template"`
	}{entry.ChatTemplate})
	if err != nil {
		return err
	}
	return atomicwriter.WriteFile(filepath.Join(destDir, "metadata.json"), raw, 0o644)
}

func keysOf(entries []CatalogEntry) []string {
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key()
	}
	return keys
}
