package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	xerrors "AgentPlane/internal/errors"
	"AgentPlane/internal/gateway"
	"AgentPlane/internal/orchestrator"
)

// maxBodyBytes 限制请求体大小，防止恶意的超大负载耗尽内存。
const maxBodyBytes = 1 << 20

// decodeJSON 解析请求体。格式错误统一折算为 VALIDATION_FAILED，
// 让网关的状态码映射产生 400。
func decodeJSON(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	decoder := json.NewDecoder(body)
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeValidationFailed, "请求体不能为空")
		}
		return xerrors.Wrap(xerrors.CodeValidationFailed, err, "请求体解析失败")
	}
	return nil
}

// writeJSON 序列化响应负载并写出指定状态码。
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// writeError 写出 JSON 错误响应。编排域的错误码在这里补充映射：
// 网关不能反向依赖编排包，所以全局表只覆盖身份与策略域。
func writeError(w http.ResponseWriter, err error) {
	if status, ok := orchestratorStatus(err); ok {
		body := struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}{Error: err.Error(), Code: string(xerrors.CodeOf(err))}
		if typed, found := xerrors.From(err); found {
			body.Error = typed.Message()
		}
		writeJSON(w, status, body)
		return
	}
	gateway.WriteError(w, err)
}

func orchestratorStatus(err error) (int, bool) {
	switch xerrors.CodeOf(err) {
	case orchestrator.CodeTaskNotFound, orchestrator.CodeWorkflowNotFound:
		return http.StatusNotFound, true
	case orchestrator.CodeTaskConflict, orchestrator.CodeTaskCompleted,
		orchestrator.CodeTaskExhausted, orchestrator.CodeTaskCancelled:
		return http.StatusConflict, true
	case orchestrator.CodeWorkflowValidation:
		return http.StatusBadRequest, true
	default:
		return 0, false
	}
}

// methodNotAllowed 按统一的错误响应格式拒绝不支持的 HTTP 方法。
func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeJSON(w, http.StatusMethodNotAllowed, struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}{Error: "method not allowed", Code: "METHOD_NOT_ALLOWED"})
}

// notFound 返回路径级 404，用于无法匹配任何资源的请求。
func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}{Error: "resource not found", Code: string(xerrors.CodeNotFound)})
}

// pathSegments 去掉路由前缀后按 / 切分出剩余路径段。
func pathSegments(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
