package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

// JWTService JWT 令牌服务
//
// 审计服务自身不做账户体系，只验证上游签发的访问令牌并
// 从声明中提取租户/用户信息。
type JWTService struct {
	secretKey    []byte
	issuer       string
	accessExpiry time.Duration
	redisClient  redis.UniversalClient // 可为 nil，此时跳过黑名单检查
}

// NewJWTService 创建 JWT 服务
func NewJWTService(secretKey, issuer string, redisClient redis.UniversalClient) *JWTService {
	return &JWTService{
		secretKey:    []byte(secretKey),
		issuer:       issuer,
		accessExpiry: 2 * time.Hour,
		redisClient:  redisClient,
	}
}

// TokenClaims JWT 声明
type TokenClaims struct {
	UserID    string   `json:"uid"`
	TenantID  string   `json:"tid"`
	Roles     []string `json:"roles"`
	TokenType string   `json:"token_type"` // access 或 service
	jwt.RegisteredClaims
}

// GenerateServiceToken 为内部调用方（业务服务上报审计事件）签发令牌
func (s *JWTService) GenerateServiceToken(serviceID, tenantID string) (string, error) {
	now := time.Now()
	claims := TokenClaims{
		UserID:    serviceID,
		TenantID:  tenantID,
		Roles:     []string{"service"},
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   serviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", fmt.Errorf("签发令牌失败: %w", err)
	}
	return signed, nil
}

// ValidateToken 验证令牌并返回声明
func (s *JWTService) ValidateToken(ctx context.Context, tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("不支持的签名算法: %v", t.Header["alg"])
		}
		return s.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("解析令牌失败: %w", err)
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("令牌无效")
	}

	// 黑名单检查（令牌吊销）
	if s.redisClient != nil {
		blacklisted, err := s.redisClient.Exists(ctx, "auth:blacklist:"+tokenString).Result()
		if err == nil && blacklisted > 0 {
			return nil, fmt.Errorf("令牌已吊销")
		}
	}

	return claims, nil
}
