package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/54b3r/ragchat/internal/docstore"
	"github.com/54b3r/ragchat/internal/engine"
	"github.com/54b3r/ragchat/internal/loader"
	"github.com/54b3r/ragchat/internal/logging"
)

// maxRetrieveK caps the k accepted by POST /api/retrieve.
const maxRetrieveK = 50

// handleListDocuments handles GET /api/documents.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.corpus.Documents(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error("documents: list failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "could not list documents")
		return
	}
	if docs == nil {
		docs = []docstore.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

// handleUploadDocument handles POST /api/documents with a multipart "file"
// field. The document is stored and the index is rebuilt before the
// response is written.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "document too large")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	ctx, done := s.mutationContext(r)
	defer done()
	doc, sum, err := s.corpus.Add(ctx, name, file)
	if err != nil && doc.Name == "" {
		s.countMutation("add", "rejected")
		s.writeDocumentError(w, r, err)
		return
	}

	resp := documentResponse{Document: &doc, Summary: sum}
	if err != nil {
		s.countMutation("add", "rebuild_failed")
		log.Error("documents: rebuild after upload failed", slog.String("document", name), slog.Any("error", err))
		resp.Error = err.Error()
		writeJSON(w, rebuildFailureStatus(err), resp)
		return
	}
	s.countMutation("add", "ok")
	writeJSON(w, http.StatusCreated, resp)
}

// handleDeleteDocument handles DELETE /api/documents/{name}. The index is
// rebuilt so no chunk of the removed document can be retrieved afterwards.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ctx, done := s.mutationContext(r)
	defer done()
	sum, err := s.corpus.Remove(ctx, name)
	switch {
	case err == nil:
		s.countMutation("remove", "ok")
		writeJSON(w, http.StatusOK, documentResponse{Summary: sum})
	case errors.Is(err, docstore.ErrNotFound), errors.Is(err, docstore.ErrInvalidName):
		s.countMutation("remove", "rejected")
		s.writeDocumentError(w, r, err)
	default:
		s.countMutation("remove", "rebuild_failed")
		logging.FromContext(r.Context()).Error("documents: rebuild after removal failed", slog.String("document", name), slog.Any("error", err))
		writeJSON(w, rebuildFailureStatus(err), documentResponse{Summary: sum, Error: err.Error()})
	}
}

// handleIndexStatus handles GET /api/index.
func (s *Server) handleIndexStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.corpus.Status())
}

// handleRebuild handles POST /api/index/rebuild. Concurrent requests are
// coalesced by the engine; the response carries the summary either way.
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	ctx, done := s.mutationContext(r)
	defer done()
	sum, err := s.corpus.Reindex(ctx)
	if err != nil {
		logging.FromContext(r.Context()).Error("index: rebuild failed", slog.Any("error", err))
		writeJSON(w, rebuildFailureStatus(err), documentResponse{Summary: sum, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, documentResponse{Summary: sum})
}

// mutationContext detaches a document or index mutation from its request so
// a client hanging up cannot abort a rebuild halfway. The mutation is still
// cancelled when the server shuts down. Request values such as the logger are
// kept.
func (s *Server) mutationContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	if s.lifetime == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(s.lifetime, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// handleRetrieve handles POST /api/retrieve and returns the top-k passages
// with their sources and scores.
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.K > maxRetrieveK {
		req.K = maxRetrieveK
	}
	hits, err := s.corpus.Search(r.Context(), req.Query, req.K)
	if err != nil {
		logging.FromContext(r.Context()).Error("retrieve: search failed", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "retrieval failed")
		return
	}
	out := make([]retrieveHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, retrieveHit{
			Source:  h.Source,
			Ordinal: h.Ordinal,
			Page:    h.Unit,
			Score:   h.Score,
			Content: h.Content,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// writeDocumentError maps document validation errors onto HTTP statuses.
func (s *Server) writeDocumentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, docstore.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, loader.ErrUnsupportedFormat):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, docstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		logging.FromContext(r.Context()).Error("documents: store error", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, strings.TrimPrefix(err.Error(), "docstore: "))
	}
}

// rebuildFailureStatus is 422 when the documents yielded nothing to index
// and 500 for every other rebuild failure.
func rebuildFailureStatus(err error) int {
	if errors.Is(err, engine.ErrNoIndexProduced) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) countMutation(op, outcome string) {
	if s.metrics != nil {
		s.metrics.documentMutationsTotal.WithLabelValues(op, outcome).Inc()
	}
}
