// Package dispatch implements the top-level inference dispatcher (C13):
// readiness admission, descriptor/engine resolution, engine-manager
// acquisition with one OOM retry, generation via the per-runtime
// continuous-batch scheduler (C12, pkg/scheduling), and stop-sequence/
// channel post-processing of generated text.
package dispatch

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dockerlabs/noded/pkg/engine"
	"github.com/dockerlabs/noded/pkg/enginemanager"
	"github.com/dockerlabs/noded/pkg/model"
	"github.com/dockerlabs/noded/pkg/modelsync"
	"github.com/dockerlabs/noded/pkg/prefixcache"
	"github.com/dockerlabs/noded/pkg/readiness"
)

// EngineResolver is the subset of the registry (C2) the dispatcher needs.
type EngineResolver interface {
	Resolve(descriptor model.Descriptor, capability engine.Capability) (engine.Engine, error)
}

// EngineManagers maps a runtime tag to the enginemanager.Manager driving
// it — a node runs one Manager per runtime.
type EngineManagers map[string]*enginemanager.Manager

// DescriptorResolver is the subset of model.Storage (local-only) or
// resolver.Resolver (local/shared/router tiers, C5) the dispatcher needs
// to turn a model name into a Descriptor. Passing a bare *model.Storage
// gives a node with no router configured local-only resolution; passing
// a *resolver.Resolver adds the shared-cache and router-blob tiers
// without the dispatcher itself knowing which it has.
type DescriptorResolver interface {
	ResolveContext(ctx context.Context, name string) (model.Descriptor, error)
}

// CatalogLookup is the subset of modelsync.Syncer the dispatcher needs to
// synthesise a stub descriptor for a model known only remotely.
type CatalogLookup interface {
	Lookup(name string) (modelsync.CatalogEntry, bool)
}

// PrefixCache is the subset of prefixcache.Cache the dispatcher needs to
// consult the KV-prefix cache (C10) around a text-generation call.
type PrefixCache interface {
	Get(hash string) (prefixcache.Entry, bool)
	Put(hash string, entry prefixcache.Entry)
}

// PrefixCacheMetrics is the subset of metrics.Metrics the dispatcher needs
// to record prefix-cache lookup outcomes.
type PrefixCacheMetrics interface {
	IncPrefixCacheHit()
	IncPrefixCacheMiss()
}

// Dispatcher ties together readiness, model resolution, engine resolution,
// and engine-manager acquisition for one inference request (spec.md
// §4.13).
type Dispatcher struct {
	gate     *readiness.Gate
	storage  DescriptorResolver
	registry EngineResolver
	managers EngineManagers
	catalog  CatalogLookup

	mu      sync.Mutex
	workers map[string]*schedWorker

	watchdog time.Duration

	prefix        PrefixCache
	prefixMetrics PrefixCacheMetrics
}

// SetPrefixCache wires the KV-prefix cache (C10) and its hit/miss metrics
// into the dispatcher's text-generation calls. metrics may be nil to skip
// recording. Leaving the cache unset (the default) disables prefix
// lookups entirely rather than recording spurious misses for a cache
// nothing ever populates.
func (d *Dispatcher) SetPrefixCache(cache PrefixCache, metrics PrefixCacheMetrics) {
	d.prefix = cache
	d.prefixMetrics = metrics
}

// prefixLookup hashes text and checks it against the configured prefix
// cache, recording a hit/miss metric. It returns ok=false (with an empty
// hash) when no cache is configured, so callers can skip prefixStore too.
func (d *Dispatcher) prefixLookup(text string) (hash string, ok bool) {
	if d.prefix == nil {
		return "", false
	}
	hash = prefixcache.Hash(text)
	_, hit := d.prefix.Get(hash)
	if d.prefixMetrics != nil {
		if hit {
			d.prefixMetrics.IncPrefixCacheHit()
		} else {
			d.prefixMetrics.IncPrefixCacheMiss()
		}
	}
	return hash, true
}

// prefixStore records hash's entry after a successful generation. tokens
// is a rough tokens-in-prefix estimate (chars/4); KV/VRAM bytes are
// estimated at a fixed per-token footprint since the engine.Engine
// interface exposes no real KV-buffer size.
func (d *Dispatcher) prefixStore(hash string, tokens int) {
	if d.prefix == nil || hash == "" {
		return
	}
	const bytesPerToken = 2048
	d.prefix.Put(hash, prefixcache.Entry{
		TokenCount: tokens,
		KVBytes:    uint64(tokens) * bytesPerToken,
		VRAMBytes:  uint64(tokens) * bytesPerToken,
	})
}

// chatPrefixText renders messages into the flat string the prefix cache
// hashes over, matching GenerateChat/GenerateChatStream's own role+content
// view of the conversation.
func chatPrefixText(messages []engine.ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteByte(':')
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

// SetWatchdog configures a whole-request deadline (spec.md §9's "separate
// watchdog... configured to trigger on whole-request deadlines"): if any
// Chat/ChatStream/Completion/Embeddings call is still running when timeout
// elapses, the process aborts via os.Exit, matching "Source treats it as
// a last-resort process-level trigger." Zero (the default) disables it.
func (d *Dispatcher) SetWatchdog(timeout time.Duration) {
	d.watchdog = timeout
}

// armWatchdog starts the whole-request deadline timer if one is
// configured, returning a func to disarm it on normal completion.
func (d *Dispatcher) armWatchdog() (disarm func()) {
	if d.watchdog <= 0 {
		return func() {}
	}
	timer := time.AfterFunc(d.watchdog, func() {
		os.Exit(1)
	})
	return func() { timer.Stop() }
}

// New returns a Dispatcher. catalog may be nil if there is no modelsync
// syncer configured (e.g. a node that only ever serves locally-placed
// models).
func New(gate *readiness.Gate, storage DescriptorResolver, registry EngineResolver, managers EngineManagers, catalog CatalogLookup) *Dispatcher {
	return &Dispatcher{gate: gate, storage: storage, registry: registry, managers: managers, catalog: catalog}
}

// resolveDescriptor implements spec.md §4.13 step 2: resolve via storage
// (local-only, or the full local/shared/router tiering of C5's resolver
// when one is configured), falling back to a remote stub descriptor
// synthesised from the last-known catalog entry when the model isn't
// resolvable but was seen in a prior sync.
func (d *Dispatcher) resolveDescriptor(ctx context.Context, name string) (model.Descriptor, error) {
	desc, err := d.storage.ResolveContext(ctx, name)
	if err == nil {
		return desc, nil
	}
	if d.catalog != nil {
		if entry, ok := d.catalog.Lookup(name); ok {
			return model.Descriptor{
				Name:     entry.Key(),
				Metadata: model.Metadata{ChatTemplate: entry.ChatTemplate},
			}, nil
		}
	}
	return model.Descriptor{}, engine.NewError(engine.KindNotFound, err)
}

// resolveEngine implements step 3: resolve via the registry for the
// requested capability, translating a registry miss into the
// model_not_found/capability_not_supported taxonomy.
func (d *Dispatcher) resolveEngine(descriptor model.Descriptor, capability engine.Capability) (engine.Engine, error) {
	eng, err := d.registry.Resolve(descriptor, capability)
	if err == nil {
		return eng, nil
	}
	if descriptor.Runtime == "" {
		return nil, engine.NewError(engine.KindNotFound, err)
	}
	return nil, engine.NewError(engine.KindCapabilityUnsupported, err)
}

// findManager locates the Manager driving the exact engine instance
// resolveEngine picked. The runtime-keyed entry is tried first as the
// common-case fast path, but is only used if it actually wraps that same
// engine value: two engines can share a runtime tag while differing in
// capability (registry.Resolve's capability filter), in which case the
// matching Manager is whichever one was constructed around that engine,
// found by scanning. Generation must run on the same engine instance the
// model was loaded into, never merely "a" manager for the runtime.
func (d *Dispatcher) findManager(eng engine.Engine) *enginemanager.Manager {
	if mgr, ok := d.managers[eng.Runtime()]; ok && mgr.Engine() == eng {
		return mgr
	}
	for _, mgr := range d.managers {
		if mgr.Engine() == eng {
			return mgr
		}
	}
	return nil
}

// acquire implements step 4: load descriptor on the resolved engine's
// manager. The single evict-and-retry after an OOM_VRAM signal happens
// inside the manager's Acquire; acquire makes no retry of its own and
// reports a missing manager as NOT_FOUND and any Acquire error as
// LOAD_FAILED.
func (d *Dispatcher) acquire(ctx context.Context, descriptor model.Descriptor, eng engine.Engine) (*enginemanager.Handle, error) {
	mgr := d.findManager(eng)
	if mgr == nil {
		return nil, engine.NewError(engine.KindNotFound, nil)
	}
	handle, err := mgr.Acquire(ctx, descriptor)
	if err != nil {
		return nil, engine.NewError(engine.KindLoadFailed, err)
	}
	return handle, nil
}

// ChatResult is the outcome of a Chat call.
type ChatResult struct {
	Text string
}

// Chat implements the full dispatcher flow for a non-streaming chat
// request (spec.md §4.13 steps 1-6).
func (d *Dispatcher) Chat(ctx context.Context, modelName string, messages []engine.ChatMessage, params engine.Params) (ChatResult, error) {
	if err := d.gate.Check(); err != nil {
		return ChatResult{}, err
	}
	release := d.gate.Acquire()
	defer release()
	defer d.armWatchdog()()

	descriptor, err := d.resolveDescriptor(ctx, modelName)
	if err != nil {
		return ChatResult{}, err
	}
	eng, err := d.resolveEngine(descriptor, engine.CapabilityText)
	if err != nil {
		return ChatResult{}, err
	}
	handle, err := d.acquire(ctx, descriptor, eng)
	if err != nil {
		return ChatResult{}, err
	}
	defer handle.Release()

	prefixText := chatPrefixText(messages)
	hash, _ := d.prefixLookup(prefixText)

	text, err := scheduleGenerate(d, eng, func() (string, error) {
		return eng.GenerateChat(ctx, messages, descriptor, params)
	})
	if err != nil {
		return ChatResult{}, err
	}
	d.prefixStore(hash, len(prefixText)/4)
	return ChatResult{Text: PostProcess(text, params.StopSequences)}, nil
}

// ChatStream implements the streaming variant of Chat. sink is invoked on
// the runtime's scheduler worker goroutine, while ChatStream blocks, for
// every chunk, in order, followed by
// engine.DoneSentinel exactly once on normal completion (never on abort).
// Post-processing (stop-sequence stripping and channel extraction) is
// applied only to the final returned string, not to individual streamed
// chunks, matching spec.md §4.13 step 6's "applies only to chat/completion"
// scope over the aggregate text.
func (d *Dispatcher) ChatStream(ctx context.Context, modelName string, messages []engine.ChatMessage, params engine.Params, sink engine.TokenSink) (ChatResult, error) {
	if err := d.gate.Check(); err != nil {
		return ChatResult{}, err
	}
	release := d.gate.Acquire()
	defer release()
	defer d.armWatchdog()()

	descriptor, err := d.resolveDescriptor(ctx, modelName)
	if err != nil {
		return ChatResult{}, err
	}
	eng, err := d.resolveEngine(descriptor, engine.CapabilityText)
	if err != nil {
		return ChatResult{}, err
	}
	handle, err := d.acquire(ctx, descriptor, eng)
	if err != nil {
		return ChatResult{}, err
	}
	defer handle.Release()

	prefixText := chatPrefixText(messages)
	hash, _ := d.prefixLookup(prefixText)

	text, err := scheduleGenerate(d, eng, func() (string, error) {
		return eng.GenerateChatStream(ctx, messages, descriptor, params, sink)
	})
	if err != nil {
		return ChatResult{}, err
	}
	d.prefixStore(hash, len(prefixText)/4)
	return ChatResult{Text: PostProcess(text, params.StopSequences)}, nil
}

// Completion implements the completion counterpart of Chat.
func (d *Dispatcher) Completion(ctx context.Context, modelName, prompt string, params engine.Params) (ChatResult, error) {
	if err := d.gate.Check(); err != nil {
		return ChatResult{}, err
	}
	release := d.gate.Acquire()
	defer release()
	defer d.armWatchdog()()

	descriptor, err := d.resolveDescriptor(ctx, modelName)
	if err != nil {
		return ChatResult{}, err
	}
	eng, err := d.resolveEngine(descriptor, engine.CapabilityText)
	if err != nil {
		return ChatResult{}, err
	}
	handle, err := d.acquire(ctx, descriptor, eng)
	if err != nil {
		return ChatResult{}, err
	}
	defer handle.Release()

	hash, _ := d.prefixLookup(prompt)

	text, err := scheduleGenerate(d, eng, func() (string, error) {
		return eng.GenerateCompletion(ctx, prompt, descriptor, params)
	})
	if err != nil {
		return ChatResult{}, err
	}
	d.prefixStore(hash, len(prompt)/4)
	return ChatResult{Text: PostProcess(text, params.StopSequences)}, nil
}

// Embeddings implements the embeddings capability: no post-processing
// applies (spec.md §4.13 step 6 scopes stop-sequence/channel stripping to
// chat/completion only).
func (d *Dispatcher) Embeddings(ctx context.Context, modelName string, inputs []string) ([][]float32, error) {
	if err := d.gate.Check(); err != nil {
		return nil, err
	}
	release := d.gate.Acquire()
	defer release()
	defer d.armWatchdog()()

	descriptor, err := d.resolveDescriptor(ctx, modelName)
	if err != nil {
		return nil, err
	}
	eng, err := d.resolveEngine(descriptor, engine.CapabilityEmbeddings)
	if err != nil {
		return nil, err
	}
	handle, err := d.acquire(ctx, descriptor, eng)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	return scheduleGenerate(d, eng, func() ([][]float32, error) {
		return eng.GenerateEmbeddings(ctx, inputs, descriptor)
	})
}

const channelFinalMarker = "<|channel|>final<|message|>"

// PostProcess first, for architectures that emit analysis + final channels,
// keeps only the content between the last channelFinalMarker and the next
// "<|end|>", then strips a complete default or caller-supplied
// stop-sequence suffix (spec.md §4.13 step 6).
func PostProcess(text string, callerStops []string) string {
	text = extractFinalChannel(text)

	stops := make([]string, 0, len(engine.DefaultStopSequences)+len(callerStops))
	stops = append(stops, engine.DefaultStopSequences...)
	stops = append(stops, callerStops...)

	for trimmed := true; trimmed; {
		trimmed = false
		for _, s := range stops {
			if s == "" {
				continue
			}
			if strings.HasSuffix(text, s) {
				text = strings.TrimSuffix(text, s)
				trimmed = true
			}
		}
	}
	return text
}

func extractFinalChannel(text string) string {
	idx := strings.LastIndex(text, channelFinalMarker)
	if idx == -1 {
		return text
	}
	rest := text[idx+len(channelFinalMarker):]
	if end := strings.Index(rest, "<|end|>"); end != -1 {
		return rest[:end]
	}
	return rest
}
