// Package heartbeat implements the node's registration and periodic
// heartbeat protocol with the router (spec.md §4.14): a best-effort
// registration POST with retry, a standalone-mode fallback when the
// router is unreachable, and a background loop reporting loaded models,
// resource usage, and sync status once registered.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dockerlabs/noded/pkg/enginemanager"
	"github.com/dockerlabs/noded/pkg/engine"
	"github.com/dockerlabs/noded/pkg/logging"
	"github.com/dockerlabs/noded/pkg/resource"
)

const (
	registerAttempts = 3
	backoffUnit      = 200 * time.Millisecond
)

// RegistrationPayload is POSTed to the router's /v0/nodes endpoint on
// startup (spec.md §4.14, §5).
type RegistrationPayload struct {
	MachineName       string   `json:"machine_name"`
	IPAddress         string   `json:"ip_address"`
	RuntimePort       int      `json:"runtime_port"`
	GPUAvailable      bool     `json:"gpu_available"`
	GPUCount          int      `json:"gpu_count"`
	GPUModel          string   `json:"gpu_model,omitempty"`
	GPUDevices        []string `json:"gpu_devices,omitempty"`
	SupportedRuntimes []string `json:"supported_runtimes"`
}

type registrationResponse struct {
	NodeID    string `json:"node_id"`
	NodeToken string `json:"node_token"`
}

// DownloadProgress is the optional per-file progress fragment attached to
// a heartbeat while a sync download is in flight (spec.md §4.14).
type DownloadProgress struct {
	ModelID    string `json:"model_id"`
	File       string `json:"file"`
	Downloaded int64  `json:"downloaded"`
	Total      int64  `json:"total"`
}

// SyncStatus is the caller-supplied snapshot of C6's state machine to
// attach to each heartbeat.
type SyncStatus struct {
	State    string
	Progress *DownloadProgress
}

// HeartbeatPayload is POSTed to the router's /v0/health endpoint on every
// tick (spec.md §4.14).
type HeartbeatPayload struct {
	LoadedModels      map[string][]string `json:"loaded_models"`
	SupportedRuntimes []string            `json:"supported_runtimes"`
	Resources         resource.Snapshot   `json:"resources"`
	SyncState         string              `json:"sync_state"`
	Download          *DownloadProgress   `json:"download,omitempty"`
}

// Config configures a Worker. Zero Interval falls back to the spec
// default (10s).
type Config struct {
	RouterBaseURL     string
	APIKey            string // bearer key, sent on both registration and heartbeats when set
	MachineName       string
	IPAddress         string
	RuntimePort       int
	Interval          time.Duration
	HTTPClient        *http.Client // optional; wrapped with otelhttp tracing if nil
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 10 * time.Second
	}
	return c
}

// Worker drives registration and the periodic heartbeat loop. A Worker is
// safe for concurrent use; Register must complete (successfully or not)
// before Run is started.
type Worker struct {
	cfg    Config
	client *http.Client
	log    logging.Logger

	mu        sync.RWMutex
	nodeID    string
	nodeToken string
}

// New returns a Worker. A nil cfg.HTTPClient gets a default client whose
// transport is wrapped with otelhttp, matching the teacher's declared but
// otherwise unexercised tracing dependency.
func New(cfg Config, log logging.Logger) *Worker {
	cfg = cfg.withDefaults()
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Worker{cfg: cfg, client: client, log: log}
}

// NodeToken returns the bearer credential obtained at registration, or ""
// in standalone mode.
func (w *Worker) NodeToken() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.nodeToken
}

// Register POSTs the node's registration payload with retry (3 attempts,
// linear backoff 200ms*attempt). On success it records the router-issued
// node_id/node_token and returns standalone=false. On exhausted retries it
// returns standalone=true and a nil error: a router that can't be reached
// at startup is a degraded-but-running node, not a fatal condition
// (spec.md §4.14).
func (w *Worker) Register(ctx context.Context, gpu resource.GPUInventory, supportedRuntimes []string) (standalone bool, err error) {
	payload := RegistrationPayload{
		MachineName:       w.cfg.MachineName,
		IPAddress:         w.cfg.IPAddress,
		RuntimePort:       w.cfg.RuntimePort,
		GPUAvailable:      gpu.Available,
		GPUCount:          gpu.Count,
		GPUModel:          gpu.Model,
		GPUDevices:        gpu.Devices,
		SupportedRuntimes: supportedRuntimes,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return true, fmt.Errorf("heartbeat: marshaling registration payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= registerAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return true, nil
			case <-time.After(time.Duration(attempt-1) * backoffUnit):
			}
		}

		resp, err := w.tryRegister(ctx, body)
		if err == nil {
			w.mu.Lock()
			w.nodeID = resp.NodeID
			w.nodeToken = resp.NodeToken
			w.mu.Unlock()
			w.log.Infof("heartbeat: registered as node %s", resp.NodeID)
			return false, nil
		}
		lastErr = err
		w.log.Warnf("heartbeat: registration attempt %d/%d failed: %v", attempt, registerAttempts, err)
	}

	w.log.Warnf("heartbeat: registration exhausted after %d attempts (%v), entering standalone mode", registerAttempts, lastErr)
	return true, nil
}

func (w *Worker) tryRegister(ctx context.Context, body []byte) (registrationResponse, error) {
	endpoint := w.cfg.RouterBaseURL + "/v0/nodes"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return registrationResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	w.setAuth(req)

	resp, err := w.client.Do(req)
	if err != nil {
		return registrationResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return registrationResponse{}, fmt.Errorf("unexpected status %s: %s", resp.Status, string(respBody))
	}

	var out registrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return registrationResponse{}, fmt.Errorf("decoding registration response: %w", err)
	}
	return out, nil
}

func (w *Worker) setAuth(req *http.Request) {
	if w.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.APIKey)
	}
}

// SnapshotFunc returns the current resource snapshot for a heartbeat.
type SnapshotFunc func() resource.Snapshot

// SyncStatusFunc returns the current sync status for a heartbeat.
type SyncStatusFunc func() SyncStatus

// Run starts the periodic heartbeat loop and blocks until ctx is
// cancelled. Callers should only invoke Run after a successful Register —
// a standalone node never starts this loop (spec.md §4.14).
func (w *Worker) Run(ctx context.Context, managers map[string]*enginemanager.Manager, supportedRuntimes []string, snapshot SnapshotFunc, syncStatus SyncStatusFunc) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx, managers, supportedRuntimes, snapshot, syncStatus)
		}
	}
}

func (w *Worker) tick(ctx context.Context, managers map[string]*enginemanager.Manager, supportedRuntimes []string, snapshot SnapshotFunc, syncStatus SyncStatusFunc) {
	correlationID := uuid.New().String()[:8]
	log := w.log.WithField("correlation_id", correlationID)

	status := syncStatus()
	payload := HeartbeatPayload{
		LoadedModels:      LoadedModelsByModality(managers),
		SupportedRuntimes: supportedRuntimes,
		Resources:         snapshot(),
		SyncState:         status.State,
		Download:          status.Progress,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("heartbeat: marshaling payload: %v", err)
		return
	}

	endpoint := w.cfg.RouterBaseURL + "/v0/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		log.Errorf("heartbeat: building request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Node-Token", w.NodeToken())
	w.setAuth(req)

	resp, err := w.client.Do(req)
	if err != nil {
		log.Warnf("heartbeat: send failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		log.Warnf("heartbeat: router returned %s", resp.Status)
	}
}

// LoadedModelsByModality groups every currently-loaded model path under
// each modality its owning engine supports, for the heartbeat payload's
// loaded_models field (spec.md §4.14).
func LoadedModelsByModality(managers map[string]*enginemanager.Manager) map[string][]string {
	out := make(map[string][]string)
	for _, mgr := range managers {
		mods := modalitiesOf(mgr.Engine())
		for _, loaded := range mgr.Loaded() {
			for _, mod := range mods {
				out[mod] = append(out[mod], loaded.Path)
			}
		}
	}
	return out
}

func modalitiesOf(eng engine.Engine) []string {
	var mods []string
	if eng.SupportsTextGeneration() {
		mods = append(mods, string(engine.CapabilityText))
	}
	if eng.SupportsEmbeddings() {
		mods = append(mods, string(engine.CapabilityEmbeddings))
	}
	if eng.SupportsASR() {
		mods = append(mods, string(engine.CapabilityASR))
	}
	if eng.SupportsTTS() {
		mods = append(mods, string(engine.CapabilityTTS))
	}
	if eng.SupportsImage() {
		mods = append(mods, string(engine.CapabilityImage))
	}
	return mods
}
