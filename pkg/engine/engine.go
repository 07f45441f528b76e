// Package engine defines the contract every inference backend (built-in or
// plugin) implements, and the error taxonomy used across the runtime.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dockerlabs/noded/pkg/model"
)

// Capability names a kind of inference an engine can perform.
type Capability string

const (
	CapabilityText       Capability = "text"
	CapabilityEmbeddings Capability = "embeddings"
	CapabilityASR        Capability = "asr"
	CapabilityTTS        Capability = "tts"
	CapabilityImage      Capability = "image"
)

// Default stop sequences stripped from generated text at the dispatcher
// boundary (spec.md §4.13) when the engine itself doesn't already do so.
var DefaultStopSequences = []string{
	"<|im_end|>", "<|end|>", "<|start|>", "<|eot_id|>", "</s>", "<|endoftext|>",
}

// Params bundles sampling/generation parameters common across engines.
// Seed 0 means "derive a seed from the clock" — engines must preserve that
// contract rather than treating 0 as a literal seed.
type Params struct {
	MaxTokens         int
	Temperature       float64
	TopP              float64
	TopK              int
	RepeatPenalty     float64
	PresencePenalty   float64
	FrequencyPenalty  float64
	Seed              int64
	StopSequences     []string
	// AbortCallback is polled by the engine between tokens (never inside a
	// GPU kernel); returning true cancels generation.
	AbortCallback func() bool
}

// Aborted reports whether the caller has requested cancellation.
func (p Params) Aborted() bool {
	return p.AbortCallback != nil && p.AbortCallback()
}

// TokenSink receives streamed generation output in order. The terminal
// "[DONE]" sentinel is delivered exactly once on normal completion, and
// never on abort.
type TokenSink func(chunk string)

const DoneSentinel = "[DONE]"

// LoadResult carries the outcome of Engine.LoadModel.
type LoadResult struct {
	VRAMBytes uint64
}

// Engine is the uniform contract every inference backend implements,
// whether built in or supplied by a plugin (C3). Implementations need not
// be safe for concurrent invocation of a single model's methods — the
// engine manager (C8) serializes loads per path and the continuous-batch
// scheduler (C12) serializes generation per engine worker — but the
// underlying model server they wrap must support concurrent requests
// across different models.
type Engine interface {
	// Runtime returns the runtime tag this engine serves (e.g. "llama_cpp").
	Runtime() string

	SupportsTextGeneration() bool
	SupportsEmbeddings() bool
	SupportsASR() bool
	SupportsTTS() bool
	SupportsImage() bool

	// LoadModel loads descriptor's weights, returning once the model is
	// ready to serve. Idempotent for an already-loaded descriptor.
	LoadModel(ctx context.Context, descriptor model.Descriptor) (LoadResult, error)

	// UnloadModel releases any resources held for descriptor.
	UnloadModel(descriptor model.Descriptor) error

	GenerateChat(ctx context.Context, messages []ChatMessage, descriptor model.Descriptor, params Params) (string, error)
	GenerateCompletion(ctx context.Context, prompt string, descriptor model.Descriptor, params Params) (string, error)
	// GenerateChatStream invokes sink for every produced chunk in order,
	// followed by DoneSentinel on success. It also returns the full text.
	GenerateChatStream(ctx context.Context, messages []ChatMessage, descriptor model.Descriptor, params Params, sink TokenSink) (string, error)
	GenerateEmbeddings(ctx context.Context, inputs []string, descriptor model.Descriptor) ([][]float32, error)

	GetModelMaxContext(descriptor model.Descriptor) (int, error)
}

// ChatMessage is a single turn in a chat-style generation request.
type ChatMessage struct {
	Role    string
	Content string
}

// ErrorKind is the engine-operation error taxonomy from spec.md §4.1/§7.
type ErrorKind string

const (
	KindOK                     ErrorKind = "OK"
	KindOOMVRAM                ErrorKind = "OOM_VRAM"
	KindOOMRAM                 ErrorKind = "OOM_RAM"
	KindModelCorrupt           ErrorKind = "MODEL_CORRUPT"
	KindTimeout                ErrorKind = "TIMEOUT"
	KindCancelled              ErrorKind = "CANCELLED"
	KindUnsupported            ErrorKind = "UNSUPPORTED"
	KindInternal               ErrorKind = "INTERNAL"
	KindABIMismatch            ErrorKind = "ABI_MISMATCH"
	KindLoadFailed             ErrorKind = "LOAD_FAILED"
	KindNotFound               ErrorKind = "NOT_FOUND"
	KindCapabilityUnsupported  ErrorKind = "CAPABILITY_UNSUPPORTED"
	KindServiceUnavailable     ErrorKind = "SERVICE_UNAVAILABLE"
	KindTooManyRequests        ErrorKind = "TOO_MANY_REQUESTS"
)

// Error wraps an underlying error with its taxonomy Kind, following the
// teacher's ErrGGUFParse{Err error} pattern.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether the engine manager (C8) should attempt one
// LRU eviction and retry, per spec.md §4.1/§7: only OOM_VRAM and
// LOAD_FAILED are recoverable at that layer.
func (e *Error) Recoverable() bool {
	return e.Kind == KindOOMVRAM || e.Kind == KindLoadFailed
}

// NewError constructs an *Error, a small convenience used throughout the
// engine/manager/dispatcher packages.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// IsOOMVRAM reports whether err is an *Error tagged OOM_VRAM, the signal
// the engine manager (C8) retries once after evicting an LRU model.
func IsOOMVRAM(err error) bool {
	var engErr *Error
	return errors.As(err, &engErr) && engErr.Kind == KindOOMVRAM
}
