package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
)

const (
	defaultListLimit   = 50
	defaultSearchLimit = 50
	maxListLimit       = 500
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.deps.Version})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, domain.CodeInvalidParameters,
				"request body too large (max "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes)")
			return
		}
		writeError(w, http.StatusBadRequest, domain.CodeJSON, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidParameters, "message is required")
		return
	}

	resp, err := s.deps.Chat.Chat(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	tools := s.deps.Plugins.AllTools()
	if tools == nil {
		tools = []domain.ToolDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	names := []string{}
	if s.deps.Providers != nil {
		names = append(names, s.deps.Providers.Names()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": names})
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plugins": s.deps.Plugins.Statuses()})
}

func (s *Server) handlePluginState(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var err error
		action := "disable"
		if enable {
			action = "enable"
			err = s.deps.Plugins.EnablePlugin(r.Context(), id)
		} else {
			err = s.deps.Plugins.DisablePlugin(r.Context(), id)
		}
		s.audit(r, domain.AuditPluginState, id, action, err)
		if err != nil {
			if !errors.Is(err, domain.ErrPluginNotFound) {
				err = domain.NewDomainError("plugin."+action, domain.ErrPluginError, err.Error())
			}
			s.fail(w, r, err)
			return
		}
		for _, st := range s.deps.Plugins.Statuses() {
			if st.ID == id {
				writeJSON(w, http.StatusOK, st)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultListLimit)
	if !ok {
		return
	}
	convs, err := s.deps.Memory.ListConversations(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidParameters, "query parameter q is required")
		return
	}
	limit, ok := queryLimit(w, r, defaultSearchLimit)
	if !ok {
		return
	}
	msgs, err := s.deps.Memory.SearchMessages(r.Context(), q, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.StoredMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "messages": msgs})
}

// handleGetConversation answers unknown ids with an empty message list,
// mirroring the store.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, ok := queryLimit(w, r, 0)
	if !ok {
		return
	}
	var (
		msgs []domain.Message
		err  error
	)
	if limit > 0 {
		msgs, err = s.deps.Memory.GetRecentMessages(r.Context(), id, limit)
	} else {
		msgs, err = s.deps.Memory.GetConversation(r.Context(), id)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "messages": msgs})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.deps.Memory.DeleteConversation(r.Context(), id)
	s.audit(r, domain.AuditConversationRm, id, "delete", err)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queryLimit parses ?limit=, writing a 400 and returning false when invalid.
func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidParameters, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxListLimit), true
}

func (s *Server) audit(r *http.Request, typ domain.AuditEventType, resource, action string, err error) {
	if s.deps.Audit == nil {
		return
	}
	outcome := "success"
	var detail map[string]string
	if err != nil {
		outcome = "error"
		detail = map[string]string{"error": err.Error()}
	}
	ev := domain.AuditEvent{
		Timestamp: time.Now(),
		Type:      typ,
		RequestID: domain.RequestIDFrom(r.Context()),
		Resource:  resource,
		Action:    action,
		Outcome:   outcome,
		Detail:    detail,
	}
	if aerr := s.deps.Audit.Log(r.Context(), ev); aerr != nil {
		s.logger.Warn("audit write failed", "error", aerr)
	}
}
