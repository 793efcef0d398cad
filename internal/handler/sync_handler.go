package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"woodshed-sync-server/internal/domain"
	"woodshed-sync-server/internal/middleware"
	"woodshed-sync-server/internal/store"
	"woodshed-sync-server/internal/sync"
	"woodshed-sync-server/pkg/response"

	"github.com/go-playground/validator/v10"
)

// SessionLister exposes the live websocket sessions.
type SessionLister interface {
	Sessions() []*domain.Session
	GetUserConnections(userID string) int
}

// SyncHandler is the HTTP face of the sync engine: a snapshot endpoint for
// explicit resyncs and a change-submission endpoint for devices that cannot
// hold a websocket open. Both go through the same coordinator path.
type SyncHandler struct {
	registry *sync.Registry
	entities store.EntityStore
	sessions SessionLister
	validate *validator.Validate
}

func NewSyncHandler(registry *sync.Registry, entities store.EntityStore, sessions SessionLister) *SyncHandler {
	return &SyncHandler{
		registry: registry,
		entities: entities,
		sessions: sessions,
		validate: validator.New(),
	}
}

// Snapshot returns every authoritative entity of the caller. Devices use
// it to rebuild local state after missing broadcasts.
func (h *SyncHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	if userID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	entities, err := h.entities.ListByOwner(r.Context(), userID)
	if err != nil {
		response.InternalError(w, err.Error())
		return
	}

	response.Success(w, map[string]interface{}{
		"entities":  entities,
		"sync_time": time.Now(),
	})
}

// Sessions lists the caller's live device sessions.
func (h *SyncHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	if userID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	own := make([]*domain.Session, 0)
	for _, session := range h.sessions.Sessions() {
		if session.UserID == userID {
			own = append(own, session)
		}
	}

	response.Success(w, map[string]interface{}{
		"sessions": own,
		"count":    h.sessions.GetUserConnections(userID),
	})
}

// SubmitChange pushes one change through the caller's coordinator.
func (h *SyncHandler) SubmitChange(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	if userID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var change domain.Change
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validate.Struct(change); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	coordinator := h.registry.Coordinator(userID)
	if coordinator == nil {
		response.ServiceUnavailable(w, "server shutting down")
		return
	}

	result, err := coordinator.Submit(r.Context(), &change)
	if err != nil {
		switch {
		case sync.IsValidation(err):
			response.BadRequest(w, err.Error())
		case sync.IsTransient(err):
			response.ServiceUnavailable(w, err.Error())
		default:
			response.InternalError(w, err.Error())
		}
		return
	}

	if result.Conflict != nil {
		response.Conflict(w, result.Conflict)
		return
	}

	response.Success(w, result.Ack)
}
