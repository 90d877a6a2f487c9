package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/snipd-dev/snipd/internal/store"
)

// maxUploadBytes caps screenshot uploads at 32 MiB.
const maxUploadBytes = 32 << 20

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpload accepts raw image bytes and starts the capture pipeline. The
// response contains the stored image before descriptions or tags exist.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(data) == 0 {
		respondError(w, http.StatusBadRequest, "empty request body")
		return
	}
	if len(data) > maxUploadBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "image too large")
		return
	}

	img, err := s.store.SaveScreenshot(data)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, img)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := store.Query{
		Text: r.URL.Query().Get("q"),
		Time: store.ParseTimeFilter(r.URL.Query().Get("time")),
	}
	if tags := r.URL.Query().Get("tags"); tags != "" {
		q.Tags = strings.Split(tags, ",")
	}
	if page, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && page > 0 {
		q.Page = page
	}
	if perPage, err := strconv.Atoi(r.URL.Query().Get("per_page")); err == nil && perPage > 0 {
		q.PerPage = perPage
	}

	result, err := s.store.Search(r.Context(), q)
	if err != nil {
		s.log.Error("search failed", "error", err)
		respondError(w, http.StatusInternalServerError, "search failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.store.GetImage(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrImageNotFound) {
		respondError(w, http.StatusNotFound, "image not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load image")
		return
	}
	respondJSON(w, http.StatusOK, img)
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteImage(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrImageNotFound) {
		respondError(w, http.StatusNotFound, "image not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete image")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleImageFile(w http.ResponseWriter, r *http.Request) {
	img, err := s.store.GetImage(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrImageNotFound) {
		respondError(w, http.StatusNotFound, "image not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load image")
		return
	}
	http.ServeFile(w, r, s.store.ImagePath(img))
}

func (s *Server) handleUpdateDescription(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "id")
	err := s.store.UpdateDescription(id, body.Description)
	switch {
	case errors.Is(err, store.ErrImageNotFound):
		respondError(w, http.StatusNotFound, "image not found")
	case err != nil:
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondJSON(w, http.StatusOK, map[string]string{"id": id, "description": body.Description})
	}
}

func (s *Server) handleUpdateTags(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tags, err := s.store.UpdateTags(chi.URLParam(r, "id"), body.Tags)
	if errors.Is(err, store.ErrImageNotFound) {
		respondError(w, http.StatusNotFound, "image not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update tags")
		return
	}
	respondJSON(w, http.StatusOK, tags)
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	k := 10
	if v, err := strconv.Atoi(r.URL.Query().Get("k")); err == nil && v > 0 {
		k = v
	}

	neighbors, err := s.store.SimilarImages(chi.URLParam(r, "id"), k)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, neighbors)
}

func (s *Server) handleListTags(w http.ResponseWriter, _ *http.Request) {
	tags, err := s.store.Tags()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load tags")
		return
	}
	respondJSON(w, http.StatusOK, tags)
}

func (s *Server) handleSyncTags(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, removed, err := s.store.SyncTags(body.Tags)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to sync tags")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"created": created, "removed": removed})
}

func (s *Server) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	threshold := 8
	if v, err := strconv.Atoi(r.URL.Query().Get("threshold")); err == nil && v >= 0 {
		threshold = v
	}

	groups, err := s.store.FindDuplicates(threshold)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to scan for duplicates")
		return
	}
	if groups == nil {
		groups = [][]string{}
	}
	respondJSON(w, http.StatusOK, groups)
}
