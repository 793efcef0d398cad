package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"woodshed-sync-server/internal/domain"
	"woodshed-sync-server/internal/middleware"
)

type stubSessionLister struct {
	sessions []*domain.Session
}

func (s *stubSessionLister) Sessions() []*domain.Session {
	return s.sessions
}

func (s *stubSessionLister) GetUserConnections(userID string) int {
	count := 0
	for _, session := range s.sessions {
		if session.UserID == userID {
			count++
		}
	}
	return count
}

func TestSessionsListsOnlyCaller(t *testing.T) {
	lister := &stubSessionLister{
		sessions: []*domain.Session{
			{SessionID: "s1", UserID: "user-1", DeviceID: "phone", ConnectedAt: time.Now()},
			{SessionID: "s2", UserID: "user-1", DeviceID: "laptop", ConnectedAt: time.Now()},
			{SessionID: "s3", UserID: "user-2", DeviceID: "tablet", ConnectedAt: time.Now()},
		},
	}
	h := NewSyncHandler(nil, nil, lister)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/sessions", nil)
	req = req.WithContext(context.WithValue(req.Context(), middleware.UserIDKey, "user-1"))
	rec := httptest.NewRecorder()

	h.Sessions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Data struct {
			Sessions []*domain.Session `json:"sessions"`
			Count    int               `json:"count"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error = %v", err)
	}

	if body.Data.Count != 2 || len(body.Data.Sessions) != 2 {
		t.Fatalf("count = %d, sessions = %d, want 2 and 2", body.Data.Count, len(body.Data.Sessions))
	}
	for _, session := range body.Data.Sessions {
		if session.UserID != "user-1" {
			t.Errorf("leaked session %s for user %s", session.SessionID, session.UserID)
		}
	}
}

func TestSessionsRequiresAuth(t *testing.T) {
	h := NewSyncHandler(nil, nil, &stubSessionLister{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/sessions", nil)
	rec := httptest.NewRecorder()

	h.Sessions(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
