// Package auth holds the role model and the narrow contracts to the
// external identity and permission collaborators. Role enforcement on the
// client is advisory; the hub mirrors it because clients cannot be trusted.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Role is an actor's capability in a room.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleNone   Role = "none"
)

// ParseRole maps a string onto a known role, defaulting to none.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleOwner, RoleEditor, RoleViewer:
		return Role(s)
	default:
		return RoleNone
	}
}

// CanEdit reports whether the role may emit mutating transactions.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// PermissionSource resolves an actor's role in a room. Roles can change
// while a session is open, so callers re-check periodically.
type PermissionSource interface {
	Role(ctx context.Context, roomID, actorID string) (Role, error)
}

// StaticPermissions is an in-memory permission source for local hubs and
// tests.
type StaticPermissions struct {
	mu       sync.RWMutex
	roles    map[string]map[string]Role
	fallback Role
}

// NewStaticPermissions creates a source returning fallback for unknown
// pairs.
func NewStaticPermissions(fallback Role) *StaticPermissions {
	return &StaticPermissions{roles: make(map[string]map[string]Role), fallback: fallback}
}

// Grant sets an actor's role in a room.
func (s *StaticPermissions) Grant(roomID, actorID string, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roles[roomID] == nil {
		s.roles[roomID] = make(map[string]Role)
	}
	s.roles[roomID][actorID] = role
}

func (s *StaticPermissions) Role(_ context.Context, roomID, actorID string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.roles[roomID][actorID]; ok {
		return r, nil
	}
	return s.fallback, nil
}

// HTTPPermissions queries a remote permission service:
// GET {base}/rooms/{room}/members/{actor} -> {"role": "..."}.
type HTTPPermissions struct {
	Base   string
	Client *http.Client
}

func NewHTTPPermissions(base string) *HTTPPermissions {
	return &HTTPPermissions{Base: base, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (h *HTTPPermissions) Role(ctx context.Context, roomID, actorID string) (Role, error) {
	url := fmt.Sprintf("%s/rooms/%s/members/%s", h.Base, roomID, actorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return RoleNone, err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return RoleNone, fmt.Errorf("permission lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return RoleNone, nil
	}
	if resp.StatusCode != http.StatusOK {
		return RoleNone, fmt.Errorf("permission lookup: status %d", resp.StatusCode)
	}
	var body struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return RoleNone, fmt.Errorf("permission lookup: %w", err)
	}
	return ParseRole(body.Role), nil
}
