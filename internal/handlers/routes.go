package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func RegisterRoutes(r *mux.Router, h *DocumentHandler) {
	r.HandleFunc("/healthz", HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(h.RequireCaller)
	api.HandleFunc("/documents", h.Generate).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}", h.Retrieve).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", h.SoftDelete).Methods(http.MethodDelete)
	api.HandleFunc("/documents/{id}/history", h.History).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/status", h.AdvanceStatus).Methods(http.MethodPost)
	api.HandleFunc("/owners/{ownerId}/documents", h.List).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(h.RequireAdmin)
	admin.HandleFunc("/documents/{id}", h.HardDelete).Methods(http.MethodDelete)
	admin.HandleFunc("/templates/{name}/invalidate", h.InvalidateTemplate).Methods(http.MethodPost)
}
