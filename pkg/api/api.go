// Package api implements the node's inbound HTTP surface: the OpenAI-style
// endpoints spec.md §6 says "forward their parsed payloads into the
// dispatcher and translate dispatcher results back." It is grounded on the
// teacher's pkg/inference/scheduling/http_handler.go shape — a
// *http.ServeMux built from a route-pattern table, http.MaxBytesReader
// guarding request size, and errors.As-based status mapping — adapted from
// "dispatch to a backend's runner" to "dispatch to one Dispatcher."
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dockerlabs/noded/pkg/dispatch"
	"github.com/dockerlabs/noded/pkg/engine"
	"github.com/dockerlabs/noded/pkg/logging"
	"github.com/dockerlabs/noded/pkg/model"
	"github.com/dockerlabs/noded/pkg/readiness"
)

// maximumRequestBodyBytes bounds a single inference request body, per the
// teacher's maximumOpenAIInferenceRequestSize guard.
const maximumRequestBodyBytes = 32 << 20

// ModelLister is the subset of model.Storage the /v1/models listing needs.
type ModelLister interface {
	List() ([]model.Descriptor, error)
}

// Handler serves the OpenAI-compatible surface against one Dispatcher.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	models     ModelLister
	log        logging.Logger
	mux        *http.ServeMux
}

// New returns a Handler with every route registered.
func New(d *dispatch.Dispatcher, models ModelLister, log logging.Logger) *Handler {
	h := &Handler{dispatcher: d, models: models, log: log, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("POST /v1/completions", h.handleCompletions)
	h.mux.HandleFunc("POST /v1/embeddings", h.handleEmbeddings)
	h.mux.HandleFunc("GET /v1/models", h.handleModels)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maximumRequestBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request too large", http.StatusBadRequest)
		} else {
			http.Error(w, "failed to read request body", http.StatusInternalServerError)
		}
		return nil, false
	}
	return body, true
}

// chatMessage mirrors the OpenAI wire shape for one chat turn.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	MaxTokens        int           `json:"max_tokens"`
	Temperature      float64       `json:"temperature"`
	TopP             float64       `json:"top_p"`
	Stop             []string      `json:"stop"`
	Stream           bool          `json:"stream"`
	PresencePenalty  float64       `json:"presence_penalty"`
	FrequencyPenalty float64       `json:"frequency_penalty"`
	Seed             int64         `json:"seed"`
}

func (req chatCompletionRequest) params() engine.Params {
	return engine.Params{
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		StopSequences:    req.Stop,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		Seed:             req.Seed,
	}
}

func (req chatCompletionRequest) messages() []engine.ChatMessage {
	out := make([]engine.ChatMessage, len(req.Messages))
	for i, m := range req.Messages {
		out[i] = engine.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message,omitempty"`
	Delta        chatMessage `json:"delta,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

type chatCompletionResponse struct {
	Object  string                  `json:"object"`
	Model   string                  `json:"model"`
	Choices []chatCompletionChoice  `json:"choices"`
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req chatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Model == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}

	if req.Stream {
		h.streamChat(w, r, req)
		return
	}

	result, err := h.dispatcher.Chat(r.Context(), req.Model, req.messages(), req.params())
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, chatCompletionResponse{
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []chatCompletionChoice{{
			Message:      chatMessage{Role: "assistant", Content: result.Text},
			FinishReason: "stop",
		}},
	})
}

// streamChat serves the stream:true variant as server-sent events, one
// "data: {...}" line per chunk dispatch.ChatStream's sink delivers,
// followed by the literal "data: [DONE]" line on normal completion.
func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, req chatCompletionRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sink := func(chunk string) {
		if chunk == engine.DoneSentinel {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		resp := chatCompletionResponse{
			Object: "chat.completion.chunk",
			Model:  req.Model,
			Choices: []chatCompletionChoice{{Delta: chatMessage{Content: chunk}}},
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	if _, err := h.dispatcher.ChatStream(r.Context(), req.Model, req.messages(), req.params(), sink); err != nil {
		h.log.Warnf("api: chat stream for model %q: %v", req.Model, err)
	}
}

type completionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	Stop        []string `json:"stop"`
}

type completionChoice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

type completionResponse struct {
	Object  string              `json:"object"`
	Model   string              `json:"model"`
	Choices []completionChoice  `json:"choices"`
}

func (h *Handler) handleCompletions(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req completionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Model == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}

	params := engine.Params{MaxTokens: req.MaxTokens, Temperature: req.Temperature, TopP: req.TopP, StopSequences: req.Stop}
	result, err := h.dispatcher.Completion(r.Context(), req.Model, req.Prompt, params)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, completionResponse{
		Object:  "text_completion",
		Model:   req.Model,
		Choices: []completionChoice{{Text: result.Text, FinishReason: "stop"}},
	})
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embeddingsResponse struct {
	Object string          `json:"object"`
	Model  string          `json:"model"`
	Data   []embeddingData `json:"data"`
}

func (h *Handler) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req embeddingsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Model == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}

	vecs, err := h.dispatcher.Embeddings(r.Context(), req.Model, req.Input)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	data := make([]embeddingData, len(vecs))
	for i, v := range vecs {
		data[i] = embeddingData{Index: i, Embedding: v}
	}
	writeJSON(w, embeddingsResponse{Object: "list", Model: req.Model, Data: data})
}

type modelEntry struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	descs, err := h.models.List()
	if err != nil {
		http.Error(w, "failed to list models", http.StatusInternalServerError)
		return
	}
	entries := make([]modelEntry, len(descs))
	for i, d := range descs {
		entries[i] = modelEntry{ID: d.Name, Object: "model"}
	}
	writeJSON(w, struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}{Object: "list", Data: entries})
}

// writeDispatchError maps the dispatcher's error taxonomy to the status
// codes §7 names at the dispatcher boundary. The readiness gate's
// ServiceUnavailableError is returned bare (not wrapped in an
// engine.Error), so it's checked before the engine.Error taxonomy switch.
func writeDispatchError(w http.ResponseWriter, err error) {
	var unavailable readiness.ServiceUnavailableError
	if errors.As(err, &unavailable) {
		w.Header().Set("Retry-After", "5")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	var engErr *engine.Error
	if !errors.As(err, &engErr) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	switch engErr.Kind {
	case engine.KindNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case engine.KindCapabilityUnsupported:
		http.Error(w, err.Error(), http.StatusBadRequest)
	case engine.KindServiceUnavailable:
		w.Header().Set("Retry-After", "5")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case engine.KindTooManyRequests:
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
