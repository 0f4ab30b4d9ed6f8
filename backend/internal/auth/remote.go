package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RemoteVerifier 调用 auth-service 的 /v1/auth/verify，密钥不下发到 bridge 时使用
type RemoteVerifier struct {
	verifyURL string
	client    *http.Client
	timeout   time.Duration
}

// NewRemoteVerifier baseURL 不要带路径，比如 http://localhost:3001
func NewRemoteVerifier(baseURL string, client *http.Client) *RemoteVerifier {
	if client == nil {
		client = &http.Client{}
	}
	return &RemoteVerifier{
		verifyURL: strings.TrimRight(baseURL, "/") + "/v1/auth/verify",
		client:    client,
		timeout:   1200 * time.Millisecond,
	}
}

type verifyErrResp struct {
	Error string `json:"error"`
}

// verify 接口返回的 claims 用 userId 而不是 sub
type verifyResp struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"type"`
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (*Claims, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth verify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e) // 尽力解析错误信息
		if e.Error == "" {
			e.Error = "invalid token"
		}
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, e.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth verify: unexpected status %d", resp.StatusCode)
	}

	var body verifyResp
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("auth verify: decode response: %w", err)
	}
	if body.Type != "" && body.Type != TypeAccess {
		return nil, ErrAccessTokenRequired
	}
	return &Claims{UserID: body.UserID, Username: body.Username, Type: body.Type}, nil
}
