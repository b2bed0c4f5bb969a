package router

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/akimenko/webpress/internal/transport/handler"
)

// NewRouter wires the endpoint set. Everything is CORS-open and answers
// OPTIONS preflight (batch callers run from browser contexts too).
func NewRouter(h *handler.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/ping", h.Ping)

	r.Post("/convert-single-image", h.ConvertSingleImage)
	r.Post("/convert-multiple-images", h.ConvertMultipleImages)
	r.Post("/batch-convert-corpus", h.BatchConvertCorpus)
	r.Post("/reset-conversion", h.ResetConversion)
	r.Post("/convert-video", h.ConvertVideo)
	r.Post("/download-and-store-video", h.StoreVideo)

	return r
}
