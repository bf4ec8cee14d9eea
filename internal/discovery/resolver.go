// Package discovery はWebmentionエンドポイントの発見を提供する。
//
// ターゲットURLに対してHEADリクエストを送り、Linkヘッダから
// rel="webmention"のエンドポイントを探す。ヘッダに無ければGETで
// 本文を取得し、文書順で最初のlink/aタグから探す。
// Linkヘッダの広告は本文内の広告より常に優先される。
package discovery

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hitoshi/mentiond/internal/model"
)

// Resolution はエンドポイント発見の結果を表す。
// Endpointが空の場合、ターゲットはWebmention未対応であり、
// これは失敗ではなく確定した結果として扱われる。
type Resolution struct {
	Target   string
	Endpoint string
}

// Supported はターゲットがWebmentionを受け付けるかを返す。
func (r *Resolution) Supported() bool {
	return r.Endpoint != ""
}

// SSRFValidator はSSRF検証のインターフェース。
// security.SSRFGuardServiceを抽象化してテスタビリティを向上させる。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// EndpointResolver はWebmentionエンドポイント発見機能を提供する。
type EndpointResolver struct {
	ssrfGuard   SSRFValidator
	userAgent   string
	timeout     time.Duration
	maxBodySize int64
}

// NewEndpointResolver はEndpointResolverの新しいインスタンスを生成する。
func NewEndpointResolver(ssrfGuard SSRFValidator, userAgent string, timeout time.Duration, maxBodySize int64) *EndpointResolver {
	return &EndpointResolver{
		ssrfGuard:   ssrfGuard,
		userAgent:   userAgent,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// Resolve はターゲットURLのWebmentionエンドポイントを発見する。
//
// 1. SSRF検証を実行
// 2. HEADリクエストのLinkヘッダを確認（本文の取得を避けられることが多い）
// 3. 見つからなければGETし、Linkヘッダ、次にHTML本文のlink/aタグを文書順で確認
// 4. どこにも無ければ未対応（Endpointが空のResolution）を返す
//
// ネットワーク障害と5xx応答は再試行可能なエラーとして返す。
// 4xx応答は再試行しても解決しないため未対応として扱う。
func (r *EndpointResolver) Resolve(ctx context.Context, targetURL string) (*Resolution, error) {
	if err := model.ValidateAbsoluteURL(targetURL); err != nil {
		return nil, model.NewInvalidTargetError(targetURL, err.Error())
	}
	if r.ssrfGuard != nil {
		if err := r.ssrfGuard.ValidateURL(targetURL); err != nil {
			return nil, model.NewSSRFBlockedError()
		}
	}

	client := r.httpClient()

	// HEADの失敗は無視してGETで続行する。HEAD未実装のサーバは珍しくない
	if head, err := r.doRequest(ctx, client, http.MethodHead, targetURL); err == nil {
		ref, found := "", false
		if head.StatusCode >= 200 && head.StatusCode < 300 {
			ref, found = findWebmentionLink(head.Header.Values("Link"))
		}
		finalURL := head.Request.URL
		head.Body.Close()
		if found {
			return r.buildResolution(targetURL, finalURL, ref)
		}
	}

	resp, err := r.doRequest(ctx, client, http.MethodGet, targetURL)
	if err != nil {
		return nil, model.NewResolutionError(targetURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, model.NewResolutionError(targetURL, fmt.Errorf("サーバエラー応答: status=%d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Resolution{Target: targetURL}, nil
	}

	if ref, found := findWebmentionLink(resp.Header.Values("Link")); found {
		return r.buildResolution(targetURL, resp.Request.URL, ref)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.Contains(strings.ToLower(mediaType), "html") {
		return &Resolution{Target: targetURL}, nil
	}

	if ref, found := findEndpointInHTML(io.LimitReader(resp.Body, r.maxBodySize)); found {
		return r.buildResolution(targetURL, resp.Request.URL, ref)
	}
	return &Resolution{Target: targetURL}, nil
}

// buildResolution はURL参照をレスポンスの最終URL基準で絶対化してResolutionを作る。
// 空の参照はページ自身がエンドポイントであることを意味する。
// リダイレクト後のURLを基準にするため、相対エンドポイントも正しく解決される。
func (r *EndpointResolver) buildResolution(target string, finalURL *url.URL, ref string) (*Resolution, error) {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return &Resolution{Target: target}, nil
	}
	endpoint := finalURL.ResolveReference(parsed)
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return &Resolution{Target: target}, nil
	}
	return &Resolution{Target: target, Endpoint: endpoint.String()}, nil
}

// doRequest はUser-AgentとAcceptを付与してHTTPリクエストを送信する。
func (r *EndpointResolver) doRequest(ctx context.Context, client *http.Client, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "text/html, */*")
	return client.Do(req)
}

// httpClient はHTTPクライアントを取得する。
// SSRFGuardが設定されている場合はSSRF防止付きクライアントを返す。
func (r *EndpointResolver) httpClient() *http.Client {
	if r.ssrfGuard != nil {
		return r.ssrfGuard.NewSafeClient(r.timeout, r.maxBodySize)
	}
	return &http.Client{Timeout: r.timeout}
}

// linkValuePattern はLinkヘッダの1値（<URL参照>とパラメータ群）を分解する。
var linkValuePattern = regexp.MustCompile(`^\s*<([^>]*)>\s*(.*)$`)

// findWebmentionLink はLinkヘッダ群から最初のrel="webmention"のURL参照を探す。
// 1つのヘッダ値はカンマ区切りで複数のリンクを含みうる。
// <>（空の参照）も有効で、ページ自身がエンドポイントであることを意味するため、
// 発見の成否はfoundで返す。
func findWebmentionLink(headers []string) (ref string, found bool) {
	for _, header := range headers {
		for _, value := range splitLinkValues(header) {
			m := linkValuePattern.FindStringSubmatch(value)
			if m == nil {
				continue
			}
			if hasWebmentionRel(m[2]) {
				return m[1], true
			}
		}
	}
	return "", false
}

// splitLinkValues はLinkヘッダ値を<>の外側のカンマで分割する。
// URL参照内のカンマで誤分割しないため、単純なstrings.Splitは使わない。
func splitLinkValues(header string) []string {
	var values []string
	depth := 0
	start := 0
	for i, c := range header {
		switch c {
		case '<':
			depth++
		case '>':
			depth--
		case ',':
			if depth == 0 {
				values = append(values, header[start:i])
				start = i + 1
			}
		}
	}
	return append(values, header[start:])
}

// hasWebmentionRel はLinkパラメータ群のrelに"webmention"が含まれるかを返す。
// rel属性は空白区切りで複数の値を持ちうる（例: rel="webmention canonical"）。
func hasWebmentionRel(params string) bool {
	for _, param := range strings.Split(params, ";") {
		param = strings.TrimSpace(param)
		kv := strings.SplitN(param, "=", 2)
		if len(kv) != 2 || strings.ToLower(strings.TrimSpace(kv[0])) != "rel" {
			continue
		}
		rels := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		for _, rel := range strings.Fields(strings.ToLower(rels)) {
			if rel == "webmention" {
				return true
			}
		}
	}
	return false
}

// findEndpointInHTML はHTML本文から最初のrel="webmention"のlink/aタグを探す。
// linkとaは区別せず、文書順で最初に現れたものが勝つ。
// href属性が存在する場合のみ有効で、空のhrefはページ自身を意味する。
func findEndpointInHTML(body io.Reader) (ref string, found bool) {
	tokenizer := html.NewTokenizer(body)
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			return "", false
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}

		tn, hasAttr := tokenizer.TagName()
		tagName := string(tn)
		if (tagName != "link" && tagName != "a") || !hasAttr {
			continue
		}

		var rel, href string
		var hasHref bool
		for {
			key, val, more := tokenizer.TagAttr()
			switch strings.ToLower(string(key)) {
			case "rel":
				rel = string(val)
			case "href":
				href = string(val)
				hasHref = true
			}
			if !more {
				break
			}
		}

		if !hasHref {
			continue
		}
		for _, r := range strings.Fields(strings.ToLower(rel)) {
			if r == "webmention" {
				return href, true
			}
		}
	}
}
