package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ferrost/manifold/internal/apperr"
	"github.com/ferrost/manifold/internal/inject"
	"github.com/ferrost/manifold/internal/manifest"
	"github.com/ferrost/manifold/internal/reconcile"
	"github.com/ferrost/manifold/internal/registry"
)

// Handler holds API route handlers.
type Handler struct {
	svc *Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// ListManifests handles GET /api/manifests.
//
//	@Summary		List all registered manifests
//	@Tags			manifests
//	@Produce		json
//	@Success		200	{object}	ManifestListResponse
//	@Security		BearerAuth
//	@Router			/manifests [get]
func (h *Handler) ListManifests(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.ListManifests(r.Context())
	if err != nil {
		slog.Error("list manifests failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, ManifestListResponse{Manifests: entries, Total: len(entries)})
}

// GetManifest handles GET /api/manifests/{app}/{depot}.
//
//	@Summary		Get one registered manifest
//	@Tags			manifests
//	@Produce		json
//	@Param			app		path		int	true	"App id"
//	@Param			depot	path		int	true	"Depot id"
//	@Success		200		{object}	registry.Entry
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/manifests/{app}/{depot} [get]
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	appID, err1 := strconv.Atoi(chi.URLParam(r, "app"))
	depotID, err2 := strconv.Atoi(chi.URLParam(r, "depot"))
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("app and depot must be numeric"))
		return
	}
	entry, err := h.svc.GetManifest(r.Context(), appID, depotID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("get manifest failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Inject handles POST /api/manifests.
//
//	@Summary		Inject a manifest script
//	@Tags			manifests
//	@Accept			json
//	@Produce		json
//	@Param			body	body		InjectRequest	true	"Script to inject"
//	@Success		201		{object}	inject.Result
//	@Failure		400		{object}	errResponse
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/manifests [post]
func (h *Handler) Inject(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	var req InjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Path == "" && (req.Filename == "" || req.Content == "") {
		writeJSON(w, http.StatusBadRequest, errorBody("either path or filename and content are required"))
		return
	}

	var res *inject.Result
	var err error
	if req.Path != "" {
		res, err = h.svc.InjectPath(r.Context(), req.Path)
	} else {
		res, err = h.svc.Inject(r.Context(), req.Filename, []byte(req.Content), req.AppID)
	}
	if err != nil {
		var inc *manifest.IncompleteRecordError
		var partial *inject.PartialError
		switch {
		case errors.As(err, &inc):
			writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
		case errors.As(err, &partial):
			// Installed but not fully registered; the caller should retry.
			writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		default:
			slog.Error("inject failed",
				slog.String("file", req.Filename), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Check handles POST /api/check.
//
//	@Summary		Check every registered manifest against upstream
//	@Tags			reconcile
//	@Produce		json
//	@Success		200	{object}	CheckResponse
//	@Security		BearerAuth
//	@Router			/check [post]
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	outcomes, err := h.svc.Check(r.Context())
	if err != nil {
		slog.Error("check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if outcomes == nil {
		outcomes = []reconcile.Outcome{}
	}
	writeJSON(w, http.StatusOK, CheckResponse{Outcomes: outcomes})
}

// Apply handles POST /api/apply.
//
//	@Summary		Apply one pending update from a previous check
//	@Tags			reconcile
//	@Accept			json
//	@Produce		json
//	@Param			body	body		ApplyRequest	true	"Pending update to apply"
//	@Success		200		{object}	reconcile.Outcome
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/apply [post]
func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	var req ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.AppID == 0 || req.DepotID == 0 || req.Current == "" || req.Latest == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("app_id, depot_id, current, and latest are required"))
		return
	}

	outcome := reconcile.Outcome{
		Entry:   registry.Entry{AppID: req.AppID, DepotID: req.DepotID},
		State:   reconcile.StateUpdateAvailable,
		Current: req.Current,
		Latest:  req.Latest,
	}
	applied, err := h.svc.Apply(r.Context(), outcome)
	if err != nil {
		var conflict *reconcile.ConflictError
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		case errors.As(err, &conflict):
			writeJSON(w, http.StatusConflict, errorBody(err.Error()))
		default:
			slog.Error("apply failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, applied)
}
