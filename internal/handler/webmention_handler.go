package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/mentiond/internal/model"
)

// WebmentionServiceInterface はWebmentionハンドラーが必要とするサービスインターフェース。
type WebmentionServiceInterface interface {
	// ProcessIncoming は受信したWebmention通知を検証して取り込む。
	ProcessIncoming(ctx context.Context, source, target string) (*model.Webmention, error)
	// Retrieve は指定リソースの確認済みWebmention一覧を取得する。
	Retrieve(ctx context.Context, resource string, direction model.Direction) ([]*model.Webmention, error)
}

// WebmentionHandler はWebmention受信と照会のHTTPハンドラー。
type WebmentionHandler struct {
	service WebmentionServiceInterface
}

// NewWebmentionHandler はWebmentionHandlerを生成する。
func NewWebmentionHandler(service WebmentionServiceInterface) *WebmentionHandler {
	return &WebmentionHandler{service: service}
}

// --- レスポンス型 ---

// statusResponse は受信成功時のレスポンス。
type statusResponse struct {
	Status string `json:"status"`
}

// mentionResponse はWebmention 1件のAPIレスポンス。
type mentionResponse struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Target      string     `json:"target"`
	Direction   string     `json:"direction"`
	MentionType string     `json:"mention_type"`
	Title       string     `json:"title,omitempty"`
	Excerpt     string     `json:"excerpt,omitempty"`
	AuthorName  string     `json:"author_name,omitempty"`
	AuthorURL   string     `json:"author_url,omitempty"`
	AuthorPhoto string     `json:"author_photo,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// mentionListResponse はWebmention一覧のレスポンス。
type mentionListResponse struct {
	Mentions []mentionResponse `json:"mentions"`
	Count    int               `json:"count"`
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// Receive はWebmention通知を受け付ける。
// POST /webmention (application/x-www-form-urlencoded)
func (h *WebmentionHandler) Receive(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "application/x-www-form-urlencoded形式でsourceとtargetを送信してください。",
		})
		return
	}

	source := r.PostFormValue("source")
	target := r.PostFormValue("target")

	if source == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidSource,
			Message:  "sourceパラメータが指定されていません。",
			Category: "validation",
			Action:   "通知元ページのURLをsourceに指定してください。",
		})
		return
	}
	if target == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidTarget,
			Message:  "targetパラメータが指定されていません。",
			Category: "validation",
			Action:   "言及されたページのURLをtargetに指定してください。",
		})
		return
	}

	if _, err := h.service.ProcessIncoming(r.Context(), source, target); err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(statusResponse{Status: "ok"})
}

// List は指定リソースの確認済みWebmention一覧を取得する。
// GET /webmentions?resource=xxx&direction=incoming|outgoing
func (h *WebmentionHandler) List(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidTarget,
			Message:  "resourceパラメータが指定されていません。",
			Category: "validation",
			Action:   "一覧を取得するリソースのURLをresourceに指定してください。",
		})
		return
	}

	// directionのデフォルトはincoming（自サイトへの言及一覧）
	direction := model.DirectionIn
	if d := r.URL.Query().Get("direction"); d != "" {
		parsed, err := model.ParseDirection(d)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		direction = parsed
	}

	mentions, err := h.service.Retrieve(r.Context(), resource, direction)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toMentionListResponse(mentions))
}

// --- ヘルパー関数 ---

// toMentionResponse はmodel.WebmentionからAPIレスポンスに変換する。
func toMentionResponse(m *model.Webmention) mentionResponse {
	return mentionResponse{
		ID:          m.ID,
		Source:      m.Source,
		Target:      m.Target,
		Direction:   string(m.Direction),
		MentionType: string(m.MentionType),
		Title:       m.Title,
		Excerpt:     m.Excerpt,
		AuthorName:  m.AuthorName,
		AuthorURL:   m.AuthorURL,
		AuthorPhoto: m.AuthorPhoto,
		PublishedAt: m.Published,
		CreatedAt:   m.CreatedAt,
	}
}

// toMentionListResponse はWebmention一覧をAPIレスポンスに変換する。
// 空の一覧はnullではなく空配列として返す。
func toMentionListResponse(mentions []*model.Webmention) mentionListResponse {
	items := make([]mentionResponse, 0, len(mentions))
	for _, m := range mentions {
		items = append(items, toMentionResponse(m))
	}
	return mentionListResponse{
		Mentions: items,
		Count:    len(items),
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	if apiErr := model.APIErrorFrom(err); apiErr != nil {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// 変換できないエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidSource, model.ErrCodeInvalidTarget, model.ErrCodeSelfMention,
		model.ErrCodeTargetNotLocal, model.ErrCodeNoMentionFound, model.ErrCodeInvalidDirection:
		return http.StatusBadRequest
	case model.ErrCodeSourceGone:
		// ソースが実在しない通知は送信側の誤りとして恒久拒否する
		return http.StatusBadRequest
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeSourceUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
