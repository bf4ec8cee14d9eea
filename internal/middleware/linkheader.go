package middleware

import (
	"fmt"
	"net/http"
	"strings"
)

// linkHeaderWriter はhttp.ResponseWriterをラップし、ヘッダー確定前に
// Webmention広告のLinkヘッダーを注入する。
type linkHeaderWriter struct {
	http.ResponseWriter
	linkValue string
	written   bool
}

// WriteHeader はLinkヘッダーを注入してから委譲する。
func (lw *linkHeaderWriter) WriteHeader(code int) {
	if !lw.written {
		lw.written = true
		lw.inject()
	}
	lw.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合も注入を保証する。
func (lw *linkHeaderWriter) Write(b []byte) (int, error) {
	if !lw.written {
		lw.written = true
		lw.inject()
	}
	return lw.ResponseWriter.Write(b)
}

// inject はテキスト応答に限ってLinkヘッダーを追加する。
// 既にrel="webmention"のLinkヘッダーがある場合は二重広告を避けて何もしない。
func (lw *linkHeaderWriter) inject() {
	header := lw.ResponseWriter.Header()

	contentType := header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/") {
		return
	}

	for _, existing := range header.Values("Link") {
		if strings.Contains(existing, `rel="webmention"`) || strings.Contains(existing, "rel=webmention") {
			return
		}
	}

	header.Add("Link", lw.linkValue)
}

// NewLinkHeaderMiddleware はWebmentionエンドポイントを広告するミドルウェアを返す。
// text/*のレスポンスに `<endpoint>; rel="webmention"` のLinkヘッダーを付与する。
// エンドポイント発見はこのヘッダーを最優先で参照するため、
// HTML本文を変更できない構成でも受信広告が成立する。
func NewLinkHeaderMiddleware(endpointURL string) func(next http.Handler) http.Handler {
	linkValue := fmt.Sprintf("<%s>; rel=\"webmention\"", endpointURL)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(&linkHeaderWriter{ResponseWriter: w, linkValue: linkValue}, r)
		})
	}
}
