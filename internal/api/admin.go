package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"parley/internal/auth"
	"parley/internal/content"
	"parley/internal/models"

	"github.com/samber/lo"
)

type tokenIssuer interface {
	Issue(identity models.Identity) (auth.TokenResponse, error)
}

type groupStore interface {
	UpsertGroup(ctx context.Context, group models.Group) error
	GetGroup(ctx context.Context, id models.GroupID) (models.Group, error)
	AddMember(ctx context.Context, id models.GroupID, member models.Identity) error
	RemoveMember(ctx context.Context, id models.GroupID, member models.Identity) error
}

type sessionEvictor interface {
	EvictIdentity(id models.Identity) int
}

// AdminHandler serves the operator API. It is bound to a private address and
// does not authenticate callers.
type AdminHandler struct {
	authService tokenIssuer
	groups      groupStore
	sessions    sessionEvictor
	log         *slog.Logger
}

func NewAdminHandler(authService tokenIssuer, groups groupStore, sessions sessionEvictor, log *slog.Logger) *AdminHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AdminHandler{authService: authService, groups: groups, sessions: sessions, log: log}
}

type IssueTokenRequest struct {
	UserID string `json:"userId" validate:"required,identity"`
}

func (h *AdminHandler) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req IssueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := content.Struct(req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.authService.Issue(models.Identity(req.UserID))
	if err != nil {
		h.log.Error("failed to issue token", "user_id", req.UserID, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type CreateGroupRequest struct {
	ID      string   `json:"id" validate:"required,identity"`
	Name    string   `json:"name" validate:"max=128"`
	Members []string `json:"members" validate:"dive,required,identity"`
}

func (h *AdminHandler) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := content.Struct(req); err != nil {
		writeError(w, err)
		return
	}

	group := models.Group{
		ID:      models.GroupID(req.ID),
		Name:    content.Sanitize(req.Name),
		Members: lo.Map(lo.Uniq(req.Members), func(m string, _ int) models.Identity { return models.Identity(m) }),
	}
	if group.Name == "" {
		group.Name = req.ID
	}
	if err := h.groups.UpsertGroup(r.Context(), group); err != nil {
		h.log.Error("failed to store group", "group_id", req.ID, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

type MemberRequest struct {
	UserID string `json:"userId" validate:"required,identity"`
}

func (h *AdminHandler) AddMemberHandler(w http.ResponseWriter, r *http.Request) {
	groupID := models.GroupID(r.PathValue("id"))

	var req MemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := content.Struct(req); err != nil {
		writeError(w, err)
		return
	}

	if err := h.groups.AddMember(r.Context(), groupID, models.Identity(req.UserID)); err != nil {
		h.groupError(w, groupID, err)
		return
	}
	h.writeGroup(r.Context(), w, groupID)
}

func (h *AdminHandler) RemoveMemberHandler(w http.ResponseWriter, r *http.Request) {
	groupID := models.GroupID(r.PathValue("id"))
	member := models.Identity(r.PathValue("identity"))
	if err := content.ValidateIdentity(member); err != nil {
		writeError(w, err)
		return
	}

	if err := h.groups.RemoveMember(r.Context(), groupID, member); err != nil {
		h.groupError(w, groupID, err)
		return
	}
	h.writeGroup(r.Context(), w, groupID)
}

func (h *AdminHandler) groupError(w http.ResponseWriter, id models.GroupID, err error) {
	if errors.Is(err, models.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, models.APIResponse{Message: "Group not found"})
		return
	}
	h.log.Error("failed to update group", "group_id", id, "error", err)
	writeError(w, err)
}

func (h *AdminHandler) writeGroup(ctx context.Context, w http.ResponseWriter, id models.GroupID) {
	group, err := h.groups.GetGroup(ctx, id)
	if err != nil {
		h.groupError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// EvictSessionsHandler closes every live connection of an identity.
func (h *AdminHandler) EvictSessionsHandler(w http.ResponseWriter, r *http.Request) {
	id := models.Identity(r.PathValue("identity"))
	if err := content.ValidateIdentity(id); err != nil {
		writeError(w, err)
		return
	}

	n := h.sessions.EvictIdentity(id)
	h.log.Info("evicted sessions", "user_id", id, "count", n)
	writeJSON(w, http.StatusOK, models.APIResponse{
		Success: true,
		Message: fmt.Sprintf("%d connection(s) of %s closed", n, id),
	})
}
