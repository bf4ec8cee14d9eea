// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// 受信エンドポイントのレスポンスに載せる原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, resolution, system
	Action   string // 通知送信者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidSource     = "INVALID_SOURCE"
	ErrCodeInvalidTarget     = "INVALID_TARGET"
	ErrCodeSelfMention       = "SELF_MENTION"
	ErrCodeTargetNotLocal    = "TARGET_NOT_LOCAL"
	ErrCodeNoMentionFound    = "NO_MENTION_FOUND"
	ErrCodeSourceGone        = "SOURCE_GONE"
	ErrCodeSourceUnreachable = "SOURCE_UNREACHABLE"
	ErrCodeSSRFBlocked       = "SSRF_BLOCKED"
	ErrCodeInvalidDirection  = "INVALID_DIRECTION"
)

// ValidationError は受理できない通知を表す。
// 再試行しても成功しない恒久的な拒否であり、記録もコールバックも発生しない。
type ValidationError struct {
	Code   string
	Source string
	Target string
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	return fmt.Sprintf("不正なWebmentionです [%s]: %s", e.Code, e.Reason)
}

// ResolutionError はネットワーク起因の一時的な失敗を表す。
// 後で再試行すれば成功する可能性があり、「未対応」とは区別される。
type ResolutionError struct {
	URL string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *ResolutionError) Error() string {
	return fmt.Sprintf("URLの取得に失敗しました: %s: %v", e.URL, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *ResolutionError) Unwrap() error { return e.Err }

// SourceGoneError はソースURLが消滅した（404/410）ことを表す。
// 既存レコードがある場合は撤回として扱われ、ない場合は検証失敗になる。
type SourceGoneError struct {
	Source     string
	StatusCode int
}

// Error はerrorインターフェースを実装する。
func (e *SourceGoneError) Error() string {
	return fmt.Sprintf("ソースURLは存在しません (status=%d): %s", e.StatusCode, e.Source)
}

// IsTransient はエラーが一時的（再試行可能）かどうかを判定する。
func IsTransient(err error) bool {
	var resErr *ResolutionError
	return errors.As(err, &resErr)
}

// NewResolutionError はネットワーク起因の一時的な失敗を生成する。
func NewResolutionError(url string, err error) *ResolutionError {
	return &ResolutionError{URL: url, Err: err}
}

// NewSourceGoneError はソースURLの消滅（404/410）を表すエラーを生成する。
func NewSourceGoneError(source string, statusCode int) *SourceGoneError {
	return &SourceGoneError{Source: source, StatusCode: statusCode}
}

// NewInvalidSourceError はソースURLが不正な場合のエラーを生成する。
func NewInvalidSourceError(source, reason string) *ValidationError {
	return &ValidationError{
		Code:   ErrCodeInvalidSource,
		Source: source,
		Reason: fmt.Sprintf("ソースURLが不正です: %s", reason),
	}
}

// NewInvalidTargetError はターゲットURLが不正な場合のエラーを生成する。
func NewInvalidTargetError(target, reason string) *ValidationError {
	return &ValidationError{
		Code:   ErrCodeInvalidTarget,
		Target: target,
		Reason: fmt.Sprintf("ターゲットURLが不正です: %s", reason),
	}
}

// NewSelfMentionError は自己言及（source == target）の場合のエラーを生成する。
func NewSelfMentionError(url string) *ValidationError {
	return &ValidationError{
		Code:   ErrCodeSelfMention,
		Source: url,
		Target: url,
		Reason: "ソースとターゲットが同一です",
	}
}

// NewTargetNotLocalError はターゲットが自サイトのリソースでない場合のエラーを生成する。
func NewTargetNotLocalError(target, baseURL string) *ValidationError {
	return &ValidationError{
		Code:   ErrCodeTargetNotLocal,
		Target: target,
		Reason: fmt.Sprintf("ターゲットは %s 配下のリソースではありません", baseURL),
	}
}

// NewNoMentionFoundError はソースがターゲットへのリンクを含まない場合のエラーを生成する。
func NewNoMentionFoundError(source, target string) *ValidationError {
	return &ValidationError{
		Code:   ErrCodeNoMentionFound,
		Source: source,
		Target: target,
		Reason: "ソースにターゲットへのリンクが見つかりません",
	}
}

// NewInvalidDirectionError はdirectionが不正な場合のエラーを生成する。
func NewInvalidDirectionError(value string) *ValidationError {
	return &ValidationError{
		Code:   ErrCodeInvalidDirection,
		Reason: fmt.Sprintf("無効なdirectionです: %s (incoming または outgoing を指定してください)", value),
	}
}

// APIErrorFrom はエンジンのエラーをHTTPレスポンス用のAPIErrorに変換する。
// 未知のエラーはnilを返し、呼び出し側で内部エラーとして処理する。
func APIErrorFrom(err error) *APIError {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return &APIError{
			Code:     validationErr.Code,
			Message:  validationErr.Reason,
			Category: "validation",
			Action:   "sourceとtargetのURLを確認してください。",
		}
	}

	var goneErr *SourceGoneError
	if errors.As(err, &goneErr) {
		return &APIError{
			Code:     ErrCodeSourceGone,
			Message:  fmt.Sprintf("ソースURLが存在しません: %s", goneErr.Source),
			Category: "validation",
			Action:   "ソースページが公開されていることを確認してください。",
		}
	}

	var resErr *ResolutionError
	if errors.As(err, &resErr) {
		return &APIError{
			Code:     ErrCodeSourceUnreachable,
			Message:  fmt.Sprintf("ソースURLを取得できませんでした: %s", resErr.URL),
			Category: "resolution",
			Action:   "しばらく待ってから再度通知してください。",
		}
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	return nil
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを指定してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}
