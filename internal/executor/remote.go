package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "AgentPlane/internal/errors"
)

const (
	defaultExecutePath = "/execute"
	defaultTimeout     = 60 * time.Second
)

// RemoteConfig 描述调用远端智能服务所需的信息。
type RemoteConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Remote 通过 HTTP 调用外部智能服务执行任务。
type Remote struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewRemote 根据配置创建远端执行器。
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("未提供智能服务地址")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Remote{
		baseURL: baseURL,
		token:   strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Execute 将任务投递给智能服务并解析执行结果。
// 5xx 与网络错误视为可重试；4xx 表示任务本身不可受理，不再重试。
func (r *Remote) Execute(ctx context.Context, dispatch Dispatch) (*Result, error) {
	payload, err := json.Marshal(dispatch)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化执行请求失败")
	}

	endpoint := r.baseURL + defaultExecutePath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "构建执行请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "智能服务调用超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "请求智能服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeExecutorFailure,
			fmt.Sprintf("智能服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeExecutorFailure,
			fmt.Sprintf("智能服务拒绝任务，状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithRetryable(false))
	}

	var decoded struct {
		Output       string `json:"output"`
		Response     string `json:"response"`
		Observations string `json:"observations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "解析智能服务响应失败")
	}

	// 兼容两种响应字段：规范的 output 与旧版服务返回的 response。
	output := strings.TrimSpace(decoded.Output)
	if output == "" {
		output = strings.TrimSpace(decoded.Response)
	}
	if output == "" {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "智能服务响应内容为空",
			xerrors.WithRetryable(false))
	}

	return &Result{
		Output:       output,
		Observations: strings.TrimSpace(decoded.Observations),
	}, nil
}
