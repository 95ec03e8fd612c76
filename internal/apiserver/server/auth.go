package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"agents-exec/internal/shared/apperr"
	"agents-exec/internal/shared/model"
)

// Claims JWT 负载
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// authedHandler 带请求上下文的处理函数
type authedHandler func(w http.ResponseWriter, r *http.Request, rc *model.RequestContext)

// auth 鉴权中间件
//
// 解析 Bearer JWT 得到用户身份，聚合追踪标头组装 RequestContext。
// WebSocket/SSE 客户端无法自定义标头时允许 ?token= 查询参数。
func (s *Server) auth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, apperr.New(apperr.KindClient, apperr.CodeUnauthorized, "missing bearer token"))
			return
		}

		claims := &Claims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !parsed.Valid || claims.Subject == "" {
			writeError(w, apperr.New(apperr.KindClient, apperr.CodeUnauthorized, "invalid token"))
			return
		}

		rc := &model.RequestContext{
			UserID:       claims.Subject,
			UserEmail:    claims.Email,
			Role:         model.UserRole(claims.Role),
			SessionID:    r.Header.Get("X-Session-Id"),
			TraceID:      r.Header.Get("X-Trace-Id"),
			ContextID:    r.Header.Get("X-Context-Id"),
			AgentName:    r.Header.Get("X-Agent-Name"),
			AIToolCallID: r.Header.Get("X-Tool-Call-Id"),
			AuthToken:    token,
		}
		if rc.TraceID == "" {
			rc.TraceID = uuid.NewString()
		}
		next(w, r, rc)
	}
}

// bearerToken 提取令牌（Authorization 标头优先，查询参数兜底）
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// IssueToken 签发 JWT（CLI 工具与测试使用）
func IssueToken(secret, userID, email, role string) (string, error) {
	claims := &Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: userID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
