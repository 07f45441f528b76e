// Package download implements the downloader (C7): single-blob fetches
// and priority-grouped, rate-limited, digest-verified multi-file manifest
// fetches, with conditional-request support via a caller-supplied ETag
// cache.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"

	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dockerlabs/noded/pkg/logging"
)

// Job is a single file to fetch.
type Job struct {
	Name        string
	URL         string
	Destination string
	Digest      string // "sha256:<hex>", optional
	Priority    int    // >=0 high priority, <0 low priority
	ChunkBytes  int64  // 0 = default
	MaxBPS      int64  // 0 = unlimited
}

// Progress is fed monotonically as a job downloads (spec.md §4.7).
type Progress struct {
	ModelID     string
	File        string
	Downloaded  int64
	Total       int64
}

// ProgressFunc receives Progress updates. It must not block.
type ProgressFunc func(Progress)

// ETagStore is the conditional-request cache C7 consults: a cached ETag
// and size for a destination path. modelsync's EtagCache satisfies this
// narrow surface so the two packages can share one on-disk cache, but the
// download package doesn't depend on modelsync to avoid a cycle.
type ETagStore interface {
	Lookup(destination string) (etag string, size int64, ok bool)
	Store(destination, etag string, size int64)
}

// Config holds the downloader's tunable defaults (spec.md §6).
type Config struct {
	BaseConcurrency int
	DefaultChunkBytes int64
	DefaultMaxBPS     int64
}

// Downloader performs single-blob and manifest-driven multi-file fetches.
type Downloader struct {
	httpClient *http.Client
	cfg        Config
	etags      ETagStore
	log        logging.Logger
	onProgress ProgressFunc
}

// New returns a Downloader. etags and onProgress may both be nil.
func New(httpClient *http.Client, cfg Config, etags ETagStore, log logging.Logger, onProgress ProgressFunc) *Downloader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.BaseConcurrency <= 0 {
		cfg.BaseConcurrency = 4
	}
	return &Downloader{httpClient: httpClient, cfg: cfg, etags: etags, log: log, onProgress: onProgress}
}

// FetchOne performs a single-blob fetch: path to destination, with
// conditional requests and digest verification (spec.md §4.7).
func (d *Downloader) FetchOne(ctx context.Context, job Job) error {
	return d.fetch(ctx, "", job)
}

// Manifest is a multi-file fetch manifest (spec.md §4.7): a list of jobs
// plus model-level overrides that per-file Job fields take precedence
// over.
type Manifest struct {
	ModelID          string
	Jobs             []Job
	DefaultChunkBytes int64
	DefaultMaxBPS     int64
}

// FetchManifest splits jobs into high-priority (priority >= 0) and
// low-priority (priority < 0) groups, processes high-priority first, then
// low-priority, and within each group runs a worker pool sized per
// spec.md §4.7: base concurrency for high priority, base/(1+|lowest
// priority|) (at least 1) for low priority, sorted by descending
// priority within the group.
func (d *Downloader) FetchManifest(ctx context.Context, m Manifest) error {
	high, low := splitByPriority(m.Jobs)

	if err := d.fetchGroup(ctx, m.ModelID, high, d.cfg.BaseConcurrency, m); err != nil {
		return err
	}
	if len(low) == 0 {
		return nil
	}

	lowestPriority := low[len(low)-1].Priority
	workers := d.cfg.BaseConcurrency / (1 + abs(lowestPriority))
	if workers < 1 {
		workers = 1
	}
	return d.fetchGroup(ctx, m.ModelID, low, workers, m)
}

func splitByPriority(jobs []Job) (high, low []Job) {
	for _, j := range jobs {
		if j.Priority >= 0 {
			high = append(high, j)
		} else {
			low = append(low, j)
		}
	}
	sort.SliceStable(high, func(i, j int) bool { return high[i].Priority > high[j].Priority })
	sort.SliceStable(low, func(i, j int) bool { return low[i].Priority > low[j].Priority })
	return high, low
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func (d *Downloader) fetchGroup(ctx context.Context, modelID string, jobs []Job, workers int, m Manifest) error {
	if len(jobs) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, job := range jobs {
		job := job
		if job.ChunkBytes == 0 {
			job.ChunkBytes = firstNonZero(m.DefaultChunkBytes, d.cfg.DefaultChunkBytes)
		}
		if job.MaxBPS == 0 {
			job.MaxBPS = firstNonZero(m.DefaultMaxBPS, d.cfg.DefaultMaxBPS)
		}
		if job.Priority < 0 {
			job.MaxBPS = job.MaxBPS / int64(1+abs(job.Priority))
			if job.MaxBPS == 0 && (m.DefaultMaxBPS != 0 || d.cfg.DefaultMaxBPS != 0) {
				job.MaxBPS = 1
			}
		}
		g.Go(func() error {
			return d.fetch(gctx, modelID, job)
		})
	}
	return g.Wait()
}

func firstNonZero(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

// fetch performs the actual conditional-GET + stream + digest-verify
// sequence for a single job.
func (d *Downloader) fetch(ctx context.Context, modelID string, job Job) error {
	if d.isAlreadyComplete(job) {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return err
	}
	if d.etags != nil {
		if etag, _, ok := d.etags.Lookup(job.Destination); ok && fileExists(job.Destination) {
			req.Header.Set("If-None-Match", etag)
		}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: unexpected status %s", job.Name, resp.Status)
	}

	out, err := os.Create(job.Destination)
	if err != nil {
		return err
	}
	defer out.Close()

	hasher := sha256.New()
	writer := io.MultiWriter(out, hasher)

	var limiter *rate.Limiter
	if job.MaxBPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(job.MaxBPS), int(job.MaxBPS))
	}

	total := resp.ContentLength
	var downloaded int64
	buf := make([]byte, chunkSize(job.ChunkBytes))
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					os.Remove(job.Destination)
					return err
				}
			}
			if _, werr := writer.Write(buf[:n]); werr != nil {
				os.Remove(job.Destination)
				return werr
			}
			downloaded += int64(n)
			if d.onProgress != nil {
				d.onProgress(Progress{ModelID: modelID, File: job.Name, Downloaded: downloaded, Total: total})
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			os.Remove(job.Destination)
			return readErr
		}
	}

	if job.Digest != "" {
		got := digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(hasher.Sum(nil)))
		if got.String() != job.Digest {
			os.Remove(job.Destination)
			return fmt.Errorf("downloading %s: digest mismatch: want %s got %s", job.Name, job.Digest, got)
		}
	}

	if d.etags != nil {
		d.etags.Store(job.Destination, resp.Header.Get("ETag"), downloaded)
	}
	return nil
}

// isAlreadyComplete short-circuits a fetch when the cached size matches
// the current on-disk size (spec.md §4.7: "if a cached size equals
// current on-disk size, short-circuit as already complete").
func (d *Downloader) isAlreadyComplete(job Job) bool {
	if d.etags == nil {
		return false
	}
	_, size, ok := d.etags.Lookup(job.Destination)
	if !ok {
		return false
	}
	info, err := os.Stat(job.Destination)
	if err != nil {
		return false
	}
	return info.Size() == size
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func chunkSize(want int64) int64 {
	if want > 0 {
		return want
	}
	return 256 * 1024
}
