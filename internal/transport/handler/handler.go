package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/akimenko/webpress/internal/batch"
	"github.com/akimenko/webpress/internal/pipeline"
)

// Service is the pipeline surface the HTTP layer drives.
type Service interface {
	ConvertField(ctx context.Context, docID, field string) (batch.FieldStats, error)
	ConvertURLs(ctx context.Context, urls []string, docID, fieldBase string) ([]pipeline.ItemResult, map[string]string, error)
	ConvertCorpus(ctx context.Context, limit int) (int, error)
	ListOnly(ctx context.Context, limit int) ([]string, int, error)
	Reset(ctx context.Context, limit int) (int, error)
	ConvertVideo(ctx context.Context, docID, field string) (string, error)
	StoreVideo(ctx context.Context, docID string) (string, int, error)
}

type Handler struct {
	service   Service
	validator *validator.Validate
}

func New(service Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		writeBadRequest(w, validationMessage(err))
		return false
	}
	return true
}

func (h *Handler) ConvertSingleImage(w http.ResponseWriter, r *http.Request) {
	var req ConvertSingleImageRequest
	if !h.decode(w, r, &req) {
		return
	}

	stats, err := h.service.ConvertField(r.Context(), req.DocID, req.ImageField)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ConvertSingleImageResponse{
		Success:          true,
		WebPURL:          stats.WebPURL,
		OriginalSize:     stats.OriginalSize,
		WebPSize:         stats.WebPSize,
		CompressionRatio: stats.Ratio,
	})
}

func (h *Handler) ConvertMultipleImages(w http.ResponseWriter, r *http.Request) {
	var req ConvertMultipleImagesRequest
	if !h.decode(w, r, &req) {
		return
	}

	results, converted, err := h.service.ConvertURLs(r.Context(), req.ImageURLs, req.DocID, req.ImageField)
	if results == nil && err != nil {
		writeFailure(w, err)
		return
	}

	items := make([]MultiImageResult, len(results))
	for i, res := range results {
		item := MultiImageResult{Index: i, Success: res.Err == nil}
		if res.Err != nil {
			item.Error = res.Err.Error()
		} else {
			item.WebPURL = res.Placement.Value
			item.OriginalSize = res.OriginalSize
			item.WebPSize = res.EncodedSize
			item.CompressionRatio = res.Ratio
		}
		items[i] = item
	}

	resp := map[string]any{
		"success": err == nil,
		"results": items,
	}
	for key, value := range converted {
		resp[key] = value
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) BatchConvertCorpus(w http.ResponseWriter, r *http.Request) {
	var req BatchConvertRequest
	if !h.decode(w, r, &req) {
		return
	}

	if req.ListOnly {
		ids, total, err := h.service.ListOnly(r.Context(), req.Limit)
		if err != nil {
			writeFailure(w, err)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":     true,
			"documentIds": ids,
			"total":       total,
		})
		return
	}

	converted, err := h.service.ConvertCorpus(r.Context(), req.Limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"converted": converted,
	})
}

func (h *Handler) ResetConversion(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if !h.decode(w, r, &req) {
		return
	}

	count, err := h.service.Reset(r.Context(), req.Limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"reset":   count,
	})
}

func (h *Handler) ConvertVideo(w http.ResponseWriter, r *http.Request) {
	var req ConvertVideoRequest
	if !h.decode(w, r, &req) {
		return
	}

	url, err := h.service.ConvertVideo(r.Context(), req.DocID, req.VideoField)
	if errors.Is(err, pipeline.ErrBlockedHost) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": "video host blocks automated retrieval; field marked blocked",
		})
		return
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"compressedUrl": url,
	})
}

func (h *Handler) StoreVideo(w http.ResponseWriter, r *http.Request) {
	var req StoreVideoRequest
	if !h.decode(w, r, &req) {
		return
	}

	url, size, err := h.service.StoreVideo(r.Context(), req.DocID)
	if errors.Is(err, pipeline.ErrBlockedHost) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": "video host blocks automated retrieval; field marked blocked",
		})
		return
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"permanentUrl": url,
		"originalSize": size,
	})
}

func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
