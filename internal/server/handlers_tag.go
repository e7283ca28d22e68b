package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tagsmithhq/tagsmith/internal/canon"
	"github.com/tagsmithhq/tagsmith/internal/tagging"
)

// normalizeRequest decodes and canonicalizes the request body, writing the
// 400 response itself on failure. Validation happens before any store access.
func (s *Server) normalizeRequest(w http.ResponseWriter, r *http.Request) (tagging.TagRequest, string, bool) {
	var req tagging.TagRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return tagging.TagRequest{}, "", false
	}
	c, err := canon.Normalize(req.Texts, req.Language, req.DomainDict)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
		return tagging.TagRequest{}, "", false
	}
	return req, c.ContentKey(), true
}

// handleTag serves the synchronous path: same cache, same key derivation,
// same error shape as the batch path, but the annotation runs inline under
// the soft deadline.
func (s *Server) handleTag(w http.ResponseWriter, r *http.Request) {
	req, key, ok := s.normalizeRequest(w, r)
	if !ok {
		return
	}

	if body, hit := s.deps.Results.Lookup(r.Context(), key); hit {
		s.deps.Recorder.CacheHit(r.Context())
		s.writeEnvelope(w, []byte(body))
		return
	}

	softCtx, cancel := context.WithTimeout(r.Context(), s.deps.SoftLimit)
	defer cancel()
	results, err := s.deps.Annotator.Annotate(softCtx, req.Texts, req.Language, req.DomainDict)
	if err != nil {
		if errors.Is(softCtx.Err(), context.DeadlineExceeded) && r.Context().Err() == nil {
			env := tagging.Envelope{Error: &tagging.ErrorInfo{
				Code:    "TIMEOUT",
				Message: fmt.Sprintf("tagging exceeded the %s soft time limit", s.deps.SoftLimit),
			}}
			if body, err := json.Marshal(env); err == nil {
				if err := s.deps.Results.Store(r.Context(), key, string(body)); err != nil {
					slog.Warn("timeout result not cached", "content_key", key, "error", err)
				}
			}
			writeError(w, http.StatusGatewayTimeout, env.Error.Message, env.Error.Code)
			return
		}
		slog.Error("inline tagging failed", "content_key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "tagging failed", "INTERNAL_ERROR")
		return
	}

	body, err := json.Marshal(tagging.Envelope{Results: results})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "response encoding failed", "INTERNAL_ERROR")
		return
	}
	if err := s.deps.Results.Store(r.Context(), key, string(body)); err != nil {
		slog.Warn("result not cached", "content_key", key, "error", err)
	}
	writeJSON(w, http.StatusOK, tagging.TagResponse{Results: results})
}

// writeEnvelope renders a cached terminal envelope: results become a 200
// response, an error envelope keeps its code and message.
func (s *Server) writeEnvelope(w http.ResponseWriter, body []byte) {
	var env tagging.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		slog.Warn("corrupt cached envelope", "error", err)
		writeError(w, http.StatusInternalServerError, "cached result unreadable", "INTERNAL_ERROR")
		return
	}
	if env.Error != nil {
		status := http.StatusInternalServerError
		if env.Error.Code == "TIMEOUT" {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, env.Error.Message, env.Error.Code)
		return
	}
	writeJSON(w, http.StatusOK, tagging.TagResponse{Results: env.Results})
}

func (s *Server) handleTagBatch(w http.ResponseWriter, r *http.Request) {
	req, key, ok := s.normalizeRequest(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Manager.Submit(r.Context(), req, key)
	if err != nil {
		slog.Error("batch submission failed", "content_key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "submission failed", "INTERNAL_ERROR")
		return
	}
	status := http.StatusAccepted
	if res.Deduped {
		status = http.StatusOK
	}
	writeJSON(w, status, tagging.BatchSubmitResponse{JobID: res.JobID})
}

func (s *Server) handleTagBatchStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required", "INVALID_REQUEST")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Manager.Resolve(r.Context(), jobID))
}
