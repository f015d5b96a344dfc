// Package gateway implements the mutation operations of the map API.
// Every operation validates its arguments, applies a pure transform
// through the store and hands the committed snapshot to the publisher,
// so the caller and all observers converge on the same data.
package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"mapserver/internal/apperrors"
	"mapserver/internal/metrics"
	"mapserver/internal/models"
	"mapserver/internal/store"
)

const (
	maxElementIDLen = 256
	minZoom         = 0
	maxZoom         = 24
)

// Publisher receives every committed snapshot exactly once, in commit
// order per session.
type Publisher interface {
	Publish(sessionID string, snap models.MapState)
}

type Gateway struct {
	store store.Store
	pub   Publisher
	log   *zap.Logger

	// serializes commit+publish per session so snapshots reach the
	// publisher in the order they committed; entries are reference
	// counted and dropped when the last in-flight mutation releases
	// them, so the table only holds sessions with active commits
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func New(st store.Store, pub Publisher, log *zap.Logger) *Gateway {
	return &Gateway{store: st, pub: pub, log: log, locks: make(map[string]*sessionLock)}
}

func (g *Gateway) acquireSession(sessionID string) *sessionLock {
	g.mu.Lock()
	l, ok := g.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		g.locks[sessionID] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()
	return l
}

func (g *Gateway) releaseSession(sessionID string, l *sessionLock) {
	l.mu.Unlock()

	g.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(g.locks, sessionID)
	}
	g.mu.Unlock()
}

func (g *Gateway) commit(ctx context.Context, sessionID, op string, mutate store.Mutation) (models.MapState, error) {
	l := g.acquireSession(sessionID)
	defer g.releaseSession(sessionID, l)

	snap, err := g.store.Apply(ctx, sessionID, mutate)
	if err != nil {
		metrics.MutationFailed(op)
		return models.MapState{}, err
	}
	g.pub.Publish(sessionID, snap)
	metrics.MutationApplied(op)
	g.log.Info("mutation committed",
		zap.String("op", op),
		zap.String("session", sessionID),
		zap.Int64("version", snap.Version))
	return snap, nil
}

func validateElementID(id string) error {
	if id == "" {
		return apperrors.Validationf("element id is required")
	}
	if len(id) > maxElementIDLen {
		return apperrors.Validationf("element id exceeds %d characters", maxElementIDLen)
	}
	return nil
}

// AddElement inserts or wholesale-replaces the element keyed by req.ID.
// Re-adding an existing id keeps its position in the stacking order,
// matching insertion-ordered map semantics.
func (g *Gateway) AddElement(ctx context.Context, sessionID string, req models.AddElementRequest) (models.MapState, error) {
	if err := validateElementID(req.ID); err != nil {
		return models.MapState{}, err
	}
	if req.Kind != models.KindRaster && req.Kind != models.KindVector {
		return models.MapState{}, apperrors.Validationf("kind must be %q or %q, got %q", models.KindRaster, models.KindVector, req.Kind)
	}
	if len(req.Source) == 0 {
		return models.MapState{}, apperrors.Validationf("source is required")
	}

	visible := true
	if req.Visible != nil {
		visible = *req.Visible
	}
	layers := req.Layers
	if req.Kind == models.KindRaster && len(layers) == 0 {
		// bare raster sources get a single default sub-layer
		layers = []map[string]any{{"id": req.ID, "type": "raster", "source": req.ID}}
	}

	return g.commit(ctx, sessionID, "add_element", func(s models.MapState) (models.MapState, error) {
		if _, exists := s.Elements[req.ID]; !exists {
			s.Order = append(s.Order, req.ID)
		}
		s.Elements[req.ID] = models.ElementSpec{
			ID:      req.ID,
			Kind:    req.Kind,
			Source:  req.Source,
			Layers:  layers,
			Style:   map[string]any{},
			Filter:  nil,
			Visible: visible,
		}
		return s, nil
	})
}

// RemoveElement deletes the element if present. Removing an absent id
// is a no-op that still commits and broadcasts, so observers always see
// that a removal was applied.
func (g *Gateway) RemoveElement(ctx context.Context, sessionID, elementID string) (models.MapState, error) {
	if err := validateElementID(elementID); err != nil {
		return models.MapState{}, err
	}
	return g.commit(ctx, sessionID, "remove_element", func(s models.MapState) (models.MapState, error) {
		if _, ok := s.Elements[elementID]; ok {
			delete(s.Elements, elementID)
			for i, id := range s.Order {
				if id == elementID {
					s.Order = append(s.Order[:i], s.Order[i+1:]...)
					break
				}
			}
		}
		return s, nil
	})
}

// SetView replaces the view descriptor wholesale.
func (g *Gateway) SetView(ctx context.Context, sessionID string, req models.SetViewRequest) (models.MapState, error) {
	if req.Center == nil {
		return models.MapState{}, apperrors.Validationf("center is required")
	}
	if req.Zoom == nil {
		return models.MapState{}, apperrors.Validationf("zoom is required")
	}
	lon, lat := req.Center[0], req.Center[1]
	if lon < -180 || lon > 180 {
		return models.MapState{}, apperrors.Validationf("longitude %v out of range [-180, 180]", lon)
	}
	if lat < -90 || lat > 90 {
		return models.MapState{}, apperrors.Validationf("latitude %v out of range [-90, 90]", lat)
	}
	if *req.Zoom < minZoom || *req.Zoom > maxZoom {
		return models.MapState{}, apperrors.Validationf("zoom %v out of range [%d, %d]", *req.Zoom, minZoom, maxZoom)
	}

	return g.commit(ctx, sessionID, "set_view", func(s models.MapState) (models.MapState, error) {
		s.Center = *req.Center
		s.Zoom = *req.Zoom
		return s, nil
	})
}

// FilterElement sets or, when filter is nil, clears the filter
// predicate of an existing element.
func (g *Gateway) FilterElement(ctx context.Context, sessionID, elementID string, filter any) (models.MapState, error) {
	if err := validateElementID(elementID); err != nil {
		return models.MapState{}, err
	}
	return g.commit(ctx, sessionID, "filter_element", func(s models.MapState) (models.MapState, error) {
		el, ok := s.Elements[elementID]
		if !ok {
			return models.MapState{}, apperrors.NotFoundf("element %q", elementID)
		}
		el.Filter = filter
		s.Elements[elementID] = el
		return s, nil
	})
}

// SetElementStyle replaces exactly one named style property of an
// existing element.
func (g *Gateway) SetElementStyle(ctx context.Context, sessionID, elementID, property string, value any) (models.MapState, error) {
	if err := validateElementID(elementID); err != nil {
		return models.MapState{}, err
	}
	if property == "" {
		return models.MapState{}, apperrors.Validationf("style property is required")
	}
	return g.commit(ctx, sessionID, "set_element_style", func(s models.MapState) (models.MapState, error) {
		el, ok := s.Elements[elementID]
		if !ok {
			return models.MapState{}, apperrors.NotFoundf("element %q", elementID)
		}
		if el.Style == nil {
			el.Style = map[string]any{}
		}
		el.Style[property] = value
		s.Elements[elementID] = el
		return s, nil
	})
}

// ToggleElement shows, hides or flips the visibility of an existing
// element.
func (g *Gateway) ToggleElement(ctx context.Context, sessionID, elementID, action string) (models.MapState, error) {
	if err := validateElementID(elementID); err != nil {
		return models.MapState{}, err
	}
	switch action {
	case models.ActionShow, models.ActionHide, models.ActionToggle:
	default:
		return models.MapState{}, apperrors.Validationf("action must be show, hide or toggle, got %q", action)
	}
	return g.commit(ctx, sessionID, "toggle_element", func(s models.MapState) (models.MapState, error) {
		el, ok := s.Elements[elementID]
		if !ok {
			return models.MapState{}, apperrors.NotFoundf("element %q", elementID)
		}
		switch action {
		case models.ActionToggle:
			el.Visible = !el.Visible
		default:
			el.Visible = action == models.ActionShow
		}
		s.Elements[elementID] = el
		return s, nil
	})
}

// ResetElementStyle clears the filter and every style override of an
// existing element.
func (g *Gateway) ResetElementStyle(ctx context.Context, sessionID, elementID string) (models.MapState, error) {
	if err := validateElementID(elementID); err != nil {
		return models.MapState{}, err
	}
	return g.commit(ctx, sessionID, "reset_element_style", func(s models.MapState) (models.MapState, error) {
		el, ok := s.Elements[elementID]
		if !ok {
			return models.MapState{}, apperrors.NotFoundf("element %q", elementID)
		}
		el.Filter = nil
		el.Style = map[string]any{}
		s.Elements[elementID] = el
		return s, nil
	})
}

// GetState is a pure read: never mutates, never bumps the version,
// never broadcasts.
func (g *Gateway) GetState(ctx context.Context, sessionID string) (models.MapState, error) {
	return g.store.Get(ctx, sessionID)
}

// ListElements returns the condensed element table.
func (g *Gateway) ListElements(ctx context.Context, sessionID string) (models.ListElementsResponse, error) {
	snap, err := g.store.Get(ctx, sessionID)
	if err != nil {
		return models.ListElementsResponse{}, err
	}
	return models.ListElementsResponse{
		SessionID: sessionID,
		Version:   snap.Version,
		Elements:  snap.Summarize(),
	}, nil
}
