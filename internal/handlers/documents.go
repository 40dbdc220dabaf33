package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/sdko-org/docvault/internal/documents"
	"github.com/sdko-org/docvault/internal/errs"
	"github.com/sdko-org/docvault/internal/models"
)

type generateRequest struct {
	Type         models.DocumentType `json:"type"`
	Data         map[string]any      `json:"data"`
	OwnerID      string              `json:"ownerId"`
	OwnerKind    string              `json:"ownerKind"`
	Version      int                 `json:"version"`
	TypeMetadata map[string]any      `json:"typeMetadata"`
}

type statusRequest struct {
	Status models.Status `json:"status"`
}

type historyResponse struct {
	DocumentID string                  `json:"documentId"`
	Entries    []models.AccessLogEntry `json:"entries"`
}

type listResponse struct {
	OwnerID   string            `json:"ownerId"`
	Documents []models.Document `json:"documents"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed body: %v", errs.ErrInvalidRequest, err)
	}
	return nil
}

func documentID(r *http.Request) (string, error) {
	id := mux.Vars(r)["id"]
	if !validIDRegex.MatchString(id) {
		return "", fmt.Errorf("%w: invalid document id", errs.ErrInvalidRequest)
	}
	return id, nil
}

// Generate renders a document for the caller, or for ownerId when the caller
// is privileged.
func (h *DocumentHandler) Generate(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())

	var body generateRequest
	if err := decodeBody(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	if body.OwnerID == "" {
		body.OwnerID = caller.ID
		if body.OwnerKind == "" {
			body.OwnerKind = caller.Kind
		}
	}
	if body.OwnerID != caller.ID && !caller.Privileged() {
		h.writeError(w, r, fmt.Errorf("%w: %s may not generate for %s", errs.ErrPermissionDenied, caller.ID, body.OwnerID))
		return
	}
	if !caller.Privileged() {
		body.OwnerKind = caller.Kind
	}
	if !validOwner(body.OwnerID) {
		h.writeError(w, r, fmt.Errorf("%w: invalid owner id", errs.ErrInvalidRequest))
		return
	}

	res, err := h.svc.Generate(r.Context(), documents.GenerateRequest{
		Type:         body.Type,
		Data:         body.Data,
		OwnerID:      body.OwnerID,
		OwnerKind:    body.OwnerKind,
		Version:      body.Version,
		TypeMetadata: body.TypeMetadata,
		Actor:        caller,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Cached {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *DocumentHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	doc, err := h.svc.Retrieve(r.Context(), id, callerFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, doc.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(doc.Content)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(doc.Content); err != nil {
		h.log.WithError(err).WithField("document", id).Warn("Client went away during download")
	}
}

func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	ownerID := mux.Vars(r)["ownerId"]
	if !validOwner(ownerID) {
		h.writeError(w, r, fmt.Errorf("%w: invalid owner id", errs.ErrInvalidRequest))
		return
	}
	if ownerID != caller.ID && !caller.Privileged() {
		h.writeError(w, r, fmt.Errorf("%w: %s may not list %s", errs.ErrPermissionDenied, caller.ID, ownerID))
		return
	}

	docs, err := h.svc.List(r.Context(), ownerID, models.DocumentType(r.URL.Query().Get("type")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	writeJSON(w, http.StatusOK, listResponse{OwnerID: ownerID, Documents: docs})
}

func (h *DocumentHandler) History(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	log, err := h.svc.History(r.Context(), id, callerFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{DocumentID: id, Entries: log.Entries()})
}

func (h *DocumentHandler) AdvanceStatus(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var body statusRequest
	if err := decodeBody(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	doc, err := h.svc.AdvanceStatus(r.Context(), id, body.Status, callerFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *DocumentHandler) SoftDelete(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.svc.SoftDelete(r.Context(), id, callerFrom(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) HardDelete(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.svc.HardDelete(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.WithFields(logrus.Fields{
		"document": id,
		"actor":    callerFrom(r.Context()).ID,
	}).Info("Document purged")
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) InvalidateTemplate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !validTemplateRef.MatchString(name) {
		h.writeError(w, r, fmt.Errorf("%w: invalid template name", errs.ErrInvalidRequest))
		return
	}

	cached := h.svc.InvalidateTemplate(name)
	writeJSON(w, http.StatusOK, map[string]any{"template": name, "invalidated": cached})
}
