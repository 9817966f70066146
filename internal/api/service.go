package api

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ferrost/manifold/internal/inject"
	"github.com/ferrost/manifold/internal/reconcile"
	"github.com/ferrost/manifold/internal/registry"
	"github.com/ferrost/manifold/internal/sse"
)

// Notifier receives engine activity for live streaming. *sse.Broker
// satisfies it.
type Notifier interface {
	Publish(event sse.Event)
	PublishManifestEvent(kind, filename string)
}

// Service coordinates registry, injection, and reconciliation for the
// API layer.
type Service struct {
	reg      registry.Store
	pipeline *inject.Pipeline
	engine   *reconcile.Engine
	events   Notifier
}

// NewService creates a new API service.
func NewService(reg registry.Store, pipeline *inject.Pipeline, engine *reconcile.Engine) *Service {
	return &Service{reg: reg, pipeline: pipeline, engine: engine}
}

// SetNotifier attaches an event sink; nil disables streaming.
func (s *Service) SetNotifier(n Notifier) {
	s.events = n
}

// ListManifests returns all registered entries in registration order.
func (s *Service) ListManifests(_ context.Context) ([]registry.Entry, error) {
	entries, err := s.reg.ListAll()
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []registry.Entry{}
	}
	return entries, nil
}

// GetManifest returns one registered entry.
func (s *Service) GetManifest(_ context.Context, appID, depotID int) (*registry.Entry, error) {
	return s.reg.Get(appID, depotID)
}

// Inject stages the uploaded script content in a scratch directory and
// runs it through the pipeline. A non-zero appID is written as a sidecar
// so it takes precedence over filename inference.
func (s *Service) Inject(ctx context.Context, filename string, content []byte, appID int) (*inject.Result, error) {
	if filename == "" || filepath.Base(filename) != filename {
		return nil, fmt.Errorf("bad filename %q", filename)
	}

	dir, err := os.MkdirTemp("", "manifold-upload-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	rawPath := filepath.Join(dir, filename)
	if err := os.WriteFile(rawPath, content, 0o644); err != nil {
		return nil, err
	}
	if appID != 0 {
		stem := filename[:len(filename)-len(filepath.Ext(filename))]
		sidecar, _ := json.Marshal(map[string]int{"appid": appID})
		if err := os.WriteFile(filepath.Join(dir, stem+".json"), sidecar, 0o644); err != nil {
			return nil, err
		}
	}

	res, err := s.pipeline.Inject(ctx, rawPath)
	if err == nil && s.events != nil {
		s.events.PublishManifestEvent("injected", res.Filename)
	}
	return res, err
}

// InjectPath runs a script already on the local filesystem through the
// pipeline.
func (s *Service) InjectPath(ctx context.Context, rawPath string) (*inject.Result, error) {
	res, err := s.pipeline.Inject(ctx, rawPath)
	if err == nil && s.events != nil {
		s.events.PublishManifestEvent("injected", res.Filename)
	}
	return res, err
}

// Check runs a report-only reconciliation pass, streaming one event per
// entry and a closing summary event.
func (s *Service) Check(ctx context.Context) ([]reconcile.Outcome, error) {
	outcomes, err := s.engine.Check(ctx)
	if err != nil {
		return outcomes, err
	}
	if s.events != nil {
		for _, o := range outcomes {
			s.events.Publish(sse.Event{Type: "check.entry", Data: o})
		}
		s.events.Publish(sse.Event{Type: "check.finished", Data: map[string]int{
			"checked": len(outcomes),
		}})
	}
	return outcomes, nil
}

// Apply applies one pending update that a previous check surfaced.
func (s *Service) Apply(ctx context.Context, o reconcile.Outcome) (reconcile.Outcome, error) {
	applied, err := s.engine.Apply(ctx, o)
	if err == nil && s.events != nil {
		s.events.PublishManifestEvent("updated", applied.Entry.Filename)
	}
	return applied, err
}
