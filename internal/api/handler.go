package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tagtime/internal/pingfile"
	"github.com/kalambet/tagtime/internal/prompt"
	"github.com/kalambet/tagtime/internal/schedule"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Journal is the ping log and schedule as the API sees them.
type Journal interface {
	Next(t int64) int64
	Prev(t int64) (int64, bool)
	Recent(n int) ([]pingfile.Ping, error)
	TagsOrdered() ([]pingfile.TagCount, error)
	Push(p pingfile.Ping) error
	PushAnnotated(p pingfile.Ping, annotate bool) error
	CatchUp(till int64) (int, error)
}

// Prompts is the prompt lifecycle as the API sees it.
type Prompts interface {
	Outstanding() (prompt.Prompt, error)
	Payload(p prompt.Prompt) (prompt.Payload, error)
	Answer(id string, tags []string, comment string) (prompt.Prompt, error)
	Dismiss(id string) (prompt.Prompt, error)
	Recent(limit int) ([]prompt.Prompt, error)
	Hub() *prompt.Hub
}

type AppDeps struct {
	Journal Journal
	Prompts Prompts
	Token   string
	Logger  *slog.Logger
	Now     func() time.Time
	// Done closes open prompt streams when the server shuts down.
	Done <-chan struct{}
}

// TimeResponse carries a single ping time in milliseconds.
type TimeResponse struct {
	Time int64 `json:"time"`
}

type PushRequest struct {
	Time     int64    `json:"time"`
	Tags     []string `json:"tags"`
	Comment  string   `json:"comment"`
	Annotate *bool    `json:"annotate,omitempty"`
}

type CatchUpRequest struct {
	Till int64 `json:"till"`
}

type CatchUpResponse struct {
	Inserted int `json:"inserted"`
}

type AnswerRequest struct {
	Tags    []string `json:"tags"`
	Comment string   `json:"comment"`
}

// NewAppHandler returns the HTTP API. Everything but /health requires the
// bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/schedule/next", handleNext(deps))
		r.Get("/schedule/prev", handlePrev(deps))
		r.Get("/pings", handleListPings(deps))
		r.Post("/pings", handlePushPing(deps))
		r.Get("/tags", handleTags(deps))
		r.Post("/catchup", handleCatchUp(deps))
		r.Get("/prompt", handleOutstanding(deps))
		r.Post("/prompt/{id}/answer", handleAnswer(deps))
		r.Post("/prompt/{id}/dismiss", handleDismiss(deps))
		r.Get("/prompts", handleListPrompts(deps))
		r.Get("/prompts/stream", handlePromptStream(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleNext(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		after, ok := parseTimeParam(r, "after", deps.Now())
		if !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "after must be milliseconds since the epoch")
			return
		}
		writeJSON(w, TimeResponse{Time: deps.Journal.Next(after)})
	}
}

func handlePrev(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		before, ok := parseTimeParam(r, "before", deps.Now())
		if !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "before must be milliseconds since the epoch")
			return
		}
		t, found := deps.Journal.Prev(before)
		if !found {
			httpError(w, http.StatusNotFound, "not_found", "no ping before %d", before)
			return
		}
		writeJSON(w, TimeResponse{Time: t})
	}
}

func handleListPings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 10000)

		pings, err := deps.Journal.Recent(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read pings: %v", err)
			return
		}
		if pings == nil {
			pings = []pingfile.Ping{}
		}
		writeJSON(w, pings)
	}
}

func handlePushPing(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		p := pingfile.New(req.Time, req.Tags, req.Comment)
		var err error
		if req.Annotate != nil {
			err = deps.Journal.PushAnnotated(p, *req.Annotate)
		} else {
			err = deps.Journal.Push(p)
		}
		if errors.Is(err, pingfile.ErrInvalidPing) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to write ping: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(p)
	}
}

func handleTags(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tags, err := deps.Journal.TagsOrdered()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read tags: %v", err)
			return
		}
		if tags == nil {
			tags = []pingfile.TagCount{}
		}
		writeJSON(w, tags)
	}
}

func handleCatchUp(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CatchUpRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Till == 0 {
			req.Till = deps.Now().UnixMilli()
		}
		if req.Till < 0 || req.Till > schedule.MaxTime {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "till must be between 0 and %d", schedule.MaxTime)
			return
		}

		n, err := deps.Journal.CatchUp(req.Till)
		if err != nil {
			deps.Logger.Error("catch-up failed", "inserted", n, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "catch-up failed after %d pings: %v", n, err)
			return
		}
		writeJSON(w, CatchUpResponse{Inserted: n})
	}
}

func handleOutstanding(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Prompts.Outstanding()
		if errors.Is(err, prompt.ErrNoOutstanding) {
			httpError(w, http.StatusNotFound, "not_found", "no outstanding prompt")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read prompt: %v", err)
			return
		}

		payload, err := deps.Prompts.Payload(p)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to build prompt: %v", err)
			return
		}
		writeJSON(w, payload)
	}
}

func handleAnswer(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AnswerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		p, err := deps.Prompts.Answer(chi.URLParam(r, "id"), req.Tags, req.Comment)
		if err != nil {
			promptError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

func handleDismiss(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Prompts.Dismiss(chi.URLParam(r, "id"))
		if err != nil {
			promptError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

func handleListPrompts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 500)

		prompts, err := deps.Prompts.Recent(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read prompts: %v", err)
			return
		}
		if prompts == nil {
			prompts = []prompt.Prompt{}
		}
		writeJSON(w, prompts)
	}
}

func promptError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, prompt.ErrUnknownPrompt):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, prompt.ErrPromptClosed), errors.Is(err, prompt.ErrAlreadyLogged):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, pingfile.ErrInvalidPing):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to close prompt: %v", err)
	}
}

func parseTimeParam(r *http.Request, key string, now time.Time) (int64, bool) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return now.UnixMilli(), true
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 || v > schedule.MaxTime {
		return 0, false
	}
	return v, true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
