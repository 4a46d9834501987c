package api

import (
	"net/http"
	"strconv"
	"strings"

	"AgentPlane/internal/registry"
)

// registerAgentRequest 是注册代理的请求体。
type registerAgentRequest struct {
	Name     string         `json:"name"`
	Type     string         `json:"agent_type"`
	Version  string         `json:"version"`
	RoleIDs  []string       `json:"role_ids"`
	Metadata map[string]any `json:"metadata"`
}

// registeredAgentResponse 在代理记录之外携带一次性凭据：
// 身份密钥与私钥只在注册响应中出现这一次。
type registeredAgentResponse struct {
	*registry.Agent
	IdentitySecret string `json:"identity_secret"`
	PrivateKey     string `json:"private_key"`
}

// agentStatusResponse 是生命周期动作的精简响应。
type agentStatusResponse struct {
	ID     string          `json:"id"`
	Status registry.Status `json:"status"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleRegisterAgent(w, r)
	case http.MethodGet:
		s.handleListAgents(w, r)
	default:
		methodNotAllowed(w, http.MethodPost, http.MethodGet)
	}
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	registered, err := s.agents.Register(r.Context(), registry.RegisterRequest{
		Name:     req.Name,
		Type:     registry.AgentType(strings.ToUpper(strings.TrimSpace(req.Type))),
		Version:  req.Version,
		RoleIDs:  req.RoleIDs,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registeredAgentResponse{
		Agent:          registered.Agent,
		IdentitySecret: registered.IdentitySecret,
		PrivateKey:     registered.PrivateKey,
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var opts []registry.ListOption
	if types := splitCSV(query.Get("agent_type")); len(types) > 0 {
		converted := make([]registry.AgentType, 0, len(types))
		for _, t := range types {
			converted = append(converted, registry.AgentType(strings.ToUpper(t)))
		}
		opts = append(opts, registry.WithTypes(converted...))
	}
	if statuses := splitCSV(query.Get("status")); len(statuses) > 0 {
		converted := make([]registry.Status, 0, len(statuses))
		for _, st := range statuses {
			converted = append(converted, registry.Status(strings.ToUpper(st)))
		}
		opts = append(opts, registry.WithStatuses(converted...))
	}
	if search := strings.TrimSpace(query.Get("search")); search != "" {
		opts = append(opts, registry.WithQuery(search))
	}
	if limit, ok := parseIntParam(query.Get("limit")); ok {
		opts = append(opts, registry.WithLimit(limit))
	}
	if offset, ok := parseIntParam(query.Get("offset")); ok {
		opts = append(opts, registry.WithOffset(offset))
	}
	if strings.EqualFold(query.Get("order"), "desc") {
		opts = append(opts, registry.WithSortOrder(registry.SortByCreatedDesc))
	}

	agents, err := s.agents.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleAgentItem(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/v1/agents/")
	switch {
	case len(segments) == 1:
		s.handleAgentResource(w, r, segments[0])
	case len(segments) == 2:
		s.handleAgentAction(w, r, segments[0], segments[1])
	default:
		notFound(w)
	}
}

func (s *Server) handleAgentResource(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		agent, err := s.agents.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	case http.MethodPatch:
		s.handlePatchAgent(w, r, id)
	case http.MethodDelete:
		if _, err := s.agents.Decommission(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (s *Server) handlePatchAgent(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Name     *string        `json:"name"`
		Version  *string        `json:"version"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.agents.Update(r.Context(), id, registry.AgentPatch{
		Name:     req.Name,
		Version:  req.Version,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentAction(w http.ResponseWriter, r *http.Request, id, action string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	switch action {
	case "pause":
		agent, err := s.agents.Pause(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agentStatusResponse{ID: agent.ID, Status: agent.Status})
	case "resume":
		agent, err := s.agents.Resume(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agentStatusResponse{ID: agent.ID, Status: agent.Status})
	case "roles":
		var req struct {
			RoleIDs []string `json:"role_ids"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		agent, err := s.agents.AssignRoles(r.Context(), id, req.RoleIDs)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	default:
		notFound(w)
	}
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Name        string   `json:"name"`
			Description string   `json:"description"`
			Permissions []string `json:"permissions"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		role, err := s.agents.CreateRole(r.Context(), req.Name, req.Description, req.Permissions)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, role)
	case http.MethodGet:
		roles, err := s.agents.ListRoles(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, roles)
	default:
		methodNotAllowed(w, http.MethodPost, http.MethodGet)
	}
}

func (s *Server) handleRoleItem(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/v1/roles/")
	if len(segments) != 1 {
		notFound(w)
		return
	}
	id := segments[0]
	switch r.Method {
	case http.MethodGet:
		role, err := s.agents.GetRole(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodDelete:
		if err := s.agents.DeleteRole(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

// splitCSV 把逗号分隔的查询参数切成去空白后的非空片段。
func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseIntParam(raw string) (int, bool) {
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}
