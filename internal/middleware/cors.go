package middleware

import (
	"net/http"
	"slices"
	"strings"
)

const (
	corsAllowMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	// Authorizationはベアラートークンで呼び出すクライアント用。
	corsAllowHeaders = "Content-Type, Authorization, " + csrfHeaderName
	corsMaxAge       = "86400"
)

// NewCORSMiddleware は許可リストに含まれるオリジンにだけCORSヘッダーを返すミドルウェアを返す。
// ストアフロントと管理画面のように複数のフロントエンドから呼ばれるため、
// Originヘッダーを許可リストと照合してそのまま返す。
// Cookie送信と共存するため、ワイルドカード(*)は使用しない。
func NewCORSMiddleware(allowedOrigins []string) func(next http.Handler) http.Handler {
	allowed := make([]string, 0, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" && o != "*" {
			allowed = append(allowed, o)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			permitted := origin != "" && slices.Contains(allowed, origin)
			if permitted {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				// 429応答のRetry-Afterをクライアントのリトライ制御から読めるようにする
				h.Set("Access-Control-Expose-Headers", "Retry-After")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if permitted {
					h.Set("Access-Control-Allow-Methods", corsAllowMethods)
					h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
					h.Set("Access-Control-Max-Age", corsMaxAge)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
