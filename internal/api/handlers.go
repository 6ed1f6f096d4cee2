package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"parley/internal/content"
	"parley/internal/models"
	"parley/internal/storage"
)

type identifier interface {
	Identify(ctx context.Context, token string) (models.Identity, error)
	Revoke(token string) error
}

type historyStore interface {
	FetchHistory(ctx context.Context, q models.HistoryQuery) (models.HistoryPage, error)
	GetGroup(ctx context.Context, id models.GroupID) (models.Group, error)
	UpsertSubscription(ctx context.Context, sub storage.PushSubscription) error
	DeleteSubscription(ctx context.Context, userID models.Identity, endpoint string) error
}

type API struct {
	auth     identifier
	store    historyStore
	pageSize int
	log      *slog.Logger
}

func New(auth identifier, store historyStore, pageSize int, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{auth: auth, store: store, pageSize: pageSize, log: log}
}

type ctxKey struct{}

// IdentityFrom returns the caller resolved by RequireAuth.
func IdentityFrom(ctx context.Context) models.Identity {
	id, _ := ctx.Value(ctxKey{}).(models.Identity)
	return id
}

// RequireAuth rejects requests without a valid token and stores the caller
// identity in the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := a.auth.Identify(r.Context(), getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	}
}

// RequireSameOrigin rejects browser requests whose Origin differs from the Host.
// Requests without an Origin header (non-browser clients) pass.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			host := origin
			if i := strings.Index(host, "://"); i >= 0 {
				host = host[i+3:]
			}
			if host != r.Host {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}

func getToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

func (a *API) UpHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

// HistoryHandler serves one page of a direct (?with=) or group (?group=)
// conversation of the caller.
func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	viewer := IdentityFrom(r.Context())
	q, err := a.historyQuery(viewer, r)
	if err != nil {
		writeError(w, err)
		return
	}

	if q.Group != "" {
		group, err := a.store.GetGroup(r.Context(), q.Group)
		if err != nil {
			writeError(w, err)
			return
		}
		if !group.HasMember(viewer) {
			writeJSON(w, http.StatusForbidden, models.APIResponse{Message: "not a member of this group"})
			return
		}
	}

	page, err := a.store.FetchHistory(r.Context(), q)
	if err != nil {
		a.log.Error("failed to fetch history", "viewer", viewer, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) historyQuery(viewer models.Identity, r *http.Request) (models.HistoryQuery, error) {
	values := r.URL.Query()
	q := models.HistoryQuery{
		Viewer: viewer,
		Peer:   models.Identity(values.Get("with")),
		Group:  models.GroupID(values.Get("group")),
		Limit:  a.pageSize,
		Order:  models.HistoryNewestFirst,
	}

	if err := (models.Target{User: q.Peer, Group: q.Group}).Validate(); err != nil {
		return q, err
	}
	if q.Peer == viewer {
		return q, fmt.Errorf("%w: cannot read history with yourself", models.ErrValidation)
	}

	var err error
	if q.Before, err = int64Param(values.Get("before")); err != nil {
		return q, err
	}
	if q.After, err = int64Param(values.Get("after")); err != nil {
		return q, err
	}
	if s := values.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit <= 0 {
			return q, fmt.Errorf("%w: limit must be a positive integer", models.ErrValidation)
		}
		q.Limit = min(limit, a.pageSize)
	}

	switch order := models.HistoryOrder(values.Get("order")); order {
	case "":
	case models.HistoryNewestFirst, models.HistoryOldestFirst:
		q.Order = order
	default:
		return q, fmt.Errorf("%w: order must be asc or desc", models.ErrValidation)
	}
	return q, nil
}

func int64Param(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: cursor must be a non-negative integer", models.ErrValidation)
	}
	return n, nil
}

// SubscriptionRequest is the browser PushSubscription JSON.
type SubscriptionRequest struct {
	Endpoint string `json:"endpoint" validate:"required,url"`
	Keys     struct {
		Auth   string `json:"auth" validate:"required"`
		P256dh string `json:"p256dh" validate:"required"`
	} `json:"keys"`
}

func (a *API) SubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := content.Struct(req); err != nil {
		writeError(w, err)
		return
	}

	id := IdentityFrom(r.Context())
	err := a.store.UpsertSubscription(r.Context(), storage.PushSubscription{
		UserID:    string(id),
		Endpoint:  req.Endpoint,
		Auth:      req.Keys.Auth,
		P256dh:    req.Keys.P256dh,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		a.log.Error("failed to store push subscription", "user_id", id, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.APIResponse{Success: true})
}

func (a *API) UnsubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := content.Struct(req); err != nil {
		writeError(w, err)
		return
	}

	id := IdentityFrom(r.Context())
	if err := a.store.DeleteSubscription(r.Context(), id, req.Endpoint); err != nil {
		a.log.Error("failed to delete push subscription", "user_id", id, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

// LogoffHandler revokes the caller's token. Live connections opened with it
// stay up until they close; new ones are refused.
func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	token := getToken(r)
	if token != "" {
		if err := a.auth.Revoke(token); err != nil && !errors.Is(err, models.ErrAuthentication) {
			a.log.Error("failed to revoke token", "error", err)
			writeError(w, err)
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps the error kind to a status code.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrAuthentication):
		status = http.StatusUnauthorized
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	}
	writeJSON(w, status, models.APIResponse{Message: err.Error()})
}
