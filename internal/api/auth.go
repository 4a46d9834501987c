package api

import (
	"net/http"
	"strings"

	xerrors "AgentPlane/internal/errors"
	"AgentPlane/internal/gateway"
	"AgentPlane/internal/operator"
)

// agentLoginRequest 是代理登录的请求体：代理 ID 加注册时下发的
// 一次性身份密钥。
type agentLoginRequest struct {
	AgentID        string `json:"agent_id"`
	IdentitySecret string `json:"identity_secret"`
}

func (s *Server) handleOperatorToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.operators.Mode() == operator.ModeDisabled {
		writeError(w, xerrors.New(xerrors.CodeAuthenticationFailed, "运维认证未启用"))
		return
	}
	var req operator.TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.operators.IssueToken(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleAgentLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req agentLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.sessions.Login(r.Context(),
		strings.TrimSpace(req.AgentID), req.IdentitySecret, remoteAddr(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAgentLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	cred := gateway.CredentialFromRequest(r)
	if cred.Token == "" {
		writeError(w, xerrors.New(xerrors.CodeAuthenticationFailed, "登出需要携带会话令牌"))
		return
	}
	if err := s.sessions.Revoke(r.Context(), cred.Token); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// remoteAddr 取客户端地址：优先使用反向代理填充的 X-Forwarded-For
// 首段，否则退回连接对端地址。
func remoteAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
			return first
		}
	}
	return r.RemoteAddr
}
