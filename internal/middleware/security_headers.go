package middleware

import "net/http"

// opsAPIHeaders は運用APIの全レスポンスに付けるヘッダー。
// レスポンスは顧客IDを含むJSONのみで、ブラウザで描画されることもキャッシュされることも想定しない。
var opsAPIHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Cache-Control":           "no-store",
	"Referrer-Policy":         "no-referrer",
}

// NewSecurityHeadersMiddleware はopsAPIHeadersを付与するミドルウェアを返す。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for k, v := range opsAPIHeaders {
				h.Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}
