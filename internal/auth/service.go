package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"Relay-Faucet/pkg/logger"
)

// Service 负责管理端点的 API Key 认证与授权。
type Service struct {
	enabled bool
	keys    []apiKey
	audit   *slog.Logger
}

type apiKey struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// NewService 构造身份认证服务实例。getenv 为 nil 时使用 os.Getenv。
func NewService(cfg Config, getenv func(string) string) (*Service, error) {
	svc := &Service{enabled: cfg.Enabled, audit: logger.Audit()}
	if !cfg.Enabled {
		return svc, nil
	}
	if getenv == nil {
		getenv = os.Getenv
	}

	for i, kc := range cfg.Keys {
		raw := kc.Key
		if kc.KeyEnv != "" {
			if v := strings.TrimSpace(getenv(kc.KeyEnv)); v != "" {
				raw = v
			}
		}
		if strings.TrimSpace(raw) == "" {
			return nil, fmt.Errorf("api key #%d (%s) 未配置密钥", i, kc.Name)
		}
		name := kc.Name
		if name == "" {
			name = fmt.Sprintf("key-%d", i)
		}
		subject := &Subject{
			Name:        name,
			Permissions: append([]string(nil), kc.Permissions...),
			Disabled:    kc.Disabled,
		}
		subject.normalise()
		svc.keys = append(svc.keys, apiKey{digest: sha256.Sum256([]byte(raw)), subject: subject})
	}
	if len(svc.keys) == 0 {
		return nil, errors.New("启用认证时至少需要配置一个 api key")
	}
	return svc, nil
}

// Enabled 报告认证是否启用。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

// AuthenticateRequest 根据 Authorization 或 X-API-Key 头识别调用方。
func (s *Service) AuthenticateRequest(_ context.Context, authorization, apiKeyHeader string) (*Subject, error) {
	token := strings.TrimSpace(apiKeyHeader)
	if token == "" {
		const prefix = "bearer "
		if len(authorization) > len(prefix) && strings.EqualFold(authorization[:len(prefix)], prefix) {
			token = strings.TrimSpace(authorization[len(prefix):])
		}
	}
	if token == "" {
		return nil, ErrMissingToken
	}

	digest := sha256.Sum256([]byte(token))
	var match *Subject
	// 遍历全部密钥，避免因提前返回泄露匹配位置。
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], k.digest[:]) == 1 {
			match = k.subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	if match.Disabled {
		return nil, ErrSubjectRevoked
	}
	return match, nil
}
