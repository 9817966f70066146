package api

import (
	"github.com/ferrost/manifold/internal/reconcile"
	"github.com/ferrost/manifold/internal/registry"
)

// InjectRequest is the body of POST /api/manifests. Either Path (a
// script already on the server's filesystem) or Filename+Content must be
// set.
type InjectRequest struct {
	Path     string `json:"path,omitempty"`
	Filename string `json:"filename,omitempty"`
	Content  string `json:"content,omitempty"`
	// AppID overrides the script header and filename inference when set.
	AppID int `json:"app_id,omitempty"`
}

// ApplyRequest is the body of POST /api/apply: a pending outcome from a
// previous check, echoed back to approve it.
type ApplyRequest struct {
	AppID   int    `json:"app_id"`
	DepotID int    `json:"depot_id"`
	Current string `json:"current"`
	Latest  string `json:"latest"`
}

// ManifestListResponse is the payload of GET /api/manifests.
type ManifestListResponse struct {
	Manifests []registry.Entry `json:"manifests"`
	Total     int              `json:"total"`
}

// CheckResponse is the payload of POST /api/check.
type CheckResponse struct {
	Outcomes []reconcile.Outcome `json:"outcomes"`
}
