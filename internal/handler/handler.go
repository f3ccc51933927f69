// Package handler wires chi routes for the inbound HTTP surface (§6)
// to the Request Pipeline, and serves the model-list endpoints
// straight from the Model Catalog. Grounded in the teacher's
// internal/handler/channel package: one handler file per route group,
// a shared ServiceContext-style dependency bag, and httputil for
// JSON responses and error envelopes.
package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nebloop/fleetbridge/internal/dialect"
	"github.com/nebloop/fleetbridge/internal/httputil"
	"github.com/nebloop/fleetbridge/internal/middleware"
	"github.com/nebloop/fleetbridge/internal/models"
	"github.com/nebloop/fleetbridge/internal/pipeline"
)

// Deps bundles what the dialect-fronted routes need.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Models   *models.Store
	APIKey   string
}

// Mount registers every inbound HTTP route described in §6 onto r.
func Mount(r chi.Router, d Deps) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKey(d.APIKey))
		r.Post("/chat/completions", chatCompletions(d))
		r.Post("/messages", messages(d))
		r.Post("/messages/count_tokens", countTokens(d))
		r.Get("/models", listModelsOpenAI(d))
	})

	r.Route("/v1beta", func(r chi.Router) {
		r.Use(middleware.APIKey(d.APIKey))
		r.Get("/models", listModelsNative(d))
		r.Post("/models/{modelAction}", nativePassthrough(d))
	})
}

func chatCompletions(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dispatch(d, w, r, dialect.OpenAI, "/v1/chat/completions", true)
	}
}

func messages(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dispatch(d, w, r, dialect.Anthropic, "/v1/messages", true)
	}
}

func countTokens(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			httputil.ErrorWithCode(w, 400, "failed to read request body")
			return
		}
		n, err := dialect.EstimateTokenCount(body)
		if err != nil {
			httputil.ErrorWithCode(w, 400, "invalid request body: "+err.Error())
			return
		}
		httputil.OkJSON(w, map[string]any{"input_tokens": n})
	}
}

// nativePassthrough serves every /v1beta/models/{model}:{action}
// native verb (generateContent, streamGenerateContent, countTokens,
// predict, batchEmbedContents) — the model+action live entirely in the
// path, so the dialect layer is the identity translator and the
// pipeline reads the verb straight off req.Path (see
// dialect.ParseNativePath).
func nativePassthrough(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		modelAction := chi.URLParam(r, "modelAction")
		path := "/v1beta/models/" + modelAction
		_, action := dialect.ParseNativePath(path)
		generative := action != "countTokens"
		dispatchAt(d, w, r, dialect.Native, path, generative)
	}
}

func listModelsOpenAI(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cat := d.Models.Get()
		data := make([]map[string]any, 0, len(cat.Models))
		for _, m := range cat.Models {
			data = append(data, map[string]any{
				"id":       m.ID,
				"object":   "model",
				"owned_by": "fleetbridge",
			})
		}
		httputil.OkJSON(w, map[string]any{"object": "list", "data": data})
	}
}

func listModelsNative(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cat := d.Models.Get()
		data := make([]map[string]any, 0, len(cat.Models))
		for _, m := range cat.Models {
			data = append(data, map[string]any{
				"name":                       "models/" + m.ID,
				"displayName":                m.DisplayName,
				"inputTokenLimit":            m.ContextWindow,
				"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
			})
		}
		httputil.OkJSON(w, map[string]any{"models": data})
	}
}

func dispatch(d Deps, w http.ResponseWriter, r *http.Request, dia dialect.Dialect, path string, generative bool) {
	dispatchAt(d, w, r, dia, path, generative)
}

// dispatchAt reads the request body, builds a pipeline.Request, and
// runs it to completion against resp. The request's own context
// (cancelled on client disconnect) is passed straight through so
// §4.E.3's client-disconnect handling fires without any extra
// plumbing here.
func dispatchAt(d Deps, w http.ResponseWriter, r *http.Request, dia dialect.Dialect, path string, generative bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.ErrorWithCode(w, 400, "failed to read request body")
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	query := make(map[string]string)
	for k := range r.URL.Query() {
		query[k] = r.URL.Query().Get(k)
	}

	req := pipeline.Request{
		Dialect:      dia,
		Method:       r.Method,
		Path:         path,
		Query:        query,
		Headers:      headers,
		Body:         body,
		IsGenerative: generative,
	}

	if err := d.Pipeline.Execute(r.Context(), req, newHTTPResponder(w)); err != nil {
		if strings.Contains(err.Error(), "context canceled") {
			return
		}
		httputil.ErrorWithCode(w, 502, err.Error())
	}
}
