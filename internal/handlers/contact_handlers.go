package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/contacts"
	"chatsync/internal/presence"
	"chatsync/internal/services"
	"chatsync/pkg/logger"
)

// DegradedHeader lists the contact halves that could not be fetched.
const DegradedHeader = "X-Contacts-Degraded"

type ContactHandlers struct {
	contactService *services.ContactService
	cache          *contacts.Cache
	presence       *presence.Registry
	mirror         *presence.RedisMirror
	authService    *auth.Service
}

// NewContactHandlers builds the contact and presence endpoints. mirror may
// be nil when Redis is not configured.
func NewContactHandlers(contactService *services.ContactService, cache *contacts.Cache, presenceRegistry *presence.Registry, mirror *presence.RedisMirror, authService *auth.Service) *ContactHandlers {
	return &ContactHandlers{
		contactService: contactService,
		cache:          cache,
		presence:       presenceRegistry,
		mirror:         mirror,
		authService:    authService,
	}
}

func (h *ContactHandlers) GetDMList(w http.ResponseWriter, r *http.Request) {
	user, _, err := h.authService.UserFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	direct, err := h.contactService.DirectContacts(r.Context(), user.ID)
	if err != nil {
		logger.Error("List direct contacts error: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(direct)
}

func (h *ContactHandlers) GetGroups(w http.ResponseWriter, r *http.Request) {
	user, _, err := h.authService.UserFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	groups, err := h.contactService.Groups(r.Context(), user.ID)
	if err != nil {
		logger.Error("List groups error: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(groups)
}

// GetContacts refreshes the caller's snapshot and returns the merged list.
// A failed half degrades to empty rather than failing the request and is
// named in the X-Contacts-Degraded header.
func (h *ContactHandlers) GetContacts(w http.ResponseWriter, r *http.Request) {
	user, token, err := h.authService.UserFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	merged, err := h.cache.RefreshAndMerge(contacts.WithToken(r.Context(), token), user.ID)
	var partial *contacts.PartialFetchError
	if errors.As(err, &partial) {
		w.Header().Set(DegradedHeader, strings.Join(partial.Halves(), ","))
	} else if err != nil {
		logger.Error("Contact refresh for %s failed: %v", user.ID, err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(merged)
}

func (h *ContactHandlers) GetMessages(w http.ResponseWriter, r *http.Request) {
	user, _, err := h.authService.UserFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	messages, err := h.contactService.RecentMessages(r.Context(), user.ID, conversationID, limit)
	if err != nil {
		if errors.Is(err, services.ErrNotAMember) {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		logger.Error("Load messages error: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}

type presenceResponse struct {
	UserID   string     `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
	NodeID   string     `json:"node_id,omitempty"`
}

// GetPresence answers from the local registry first, then from the Redis
// mirror for users connected to other nodes.
func (h *ContactHandlers) GetPresence(w http.ResponseWriter, r *http.Request) {
	if _, _, err := h.authService.UserFromRequest(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	userID := r.PathValue("userID")
	if userID == "" {
		http.Error(w, "invalid user ID", http.StatusBadRequest)
		return
	}

	resp := presenceResponse{UserID: userID}
	if seen, ok := h.presence.LastSeen(userID); ok {
		resp.Online = true
		resp.LastSeen = &seen
	} else if h.mirror != nil {
		rec, err := h.mirror.Get(r.Context(), userID)
		if err != nil {
			logger.Warn("Presence mirror lookup for %s failed: %v", userID, err)
		} else if rec != nil {
			resp.Online = true
			resp.LastSeen = &rec.LastSeen
			resp.NodeID = rec.NodeID
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
