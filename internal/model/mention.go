// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Webmention はWebmention通知1件を表す。
// (Source, Target, Direction) の組が論理的な同一性であり、
// 同じ組での保存は重複作成ではなく既存レコードの更新として扱われる。
type Webmention struct {
	ID             string
	Source         string
	Target         string
	Direction      Direction
	Status         Status
	MentionType    MentionType
	MentionTypeRaw string
	Title          string
	Excerpt        string
	Content        string
	AuthorName     string
	AuthorURL      string
	AuthorPhoto    string
	Published      *time.Time
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Direction はWebmentionの方向を表す。
type Direction string

const (
	// DirectionIn は受信したWebmention（Targetが自サイトのリソース）。
	DirectionIn Direction = "incoming"
	// DirectionOut は送信したWebmention（Sourceが自サイトのリソース）。
	DirectionOut Direction = "outgoing"
)

// ParseDirection は文字列表現からDirectionを解釈する。
// 短縮形 "in"/"out" も受け付ける。
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in", "incoming":
		return DirectionIn, nil
	case "out", "outgoing":
		return DirectionOut, nil
	}
	return "", NewInvalidDirectionError(s)
}

// Status はWebmentionのモデレーション状態を表す。
type Status string

const (
	// StatusPending は受理済みだが未確認（モデレーション待ち）の状態。
	StatusPending Status = "pending"
	// StatusConfirmed は確認済みで閲覧者に公開される状態。
	StatusConfirmed Status = "confirmed"
	// StatusDeleted は論理削除された状態。レコードは同一性維持のため保持される。
	StatusDeleted Status = "deleted"
)

// ParseStatus は文字列表現からStatusを解釈する。
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatusPending, nil
	case "confirmed":
		return StatusConfirmed, nil
	case "deleted":
		return StatusDeleted, nil
	}
	return "", fmt.Errorf("無効なステータスです: %s", s)
}

// MentionType はWebmentionの意味的分類を表す。
// microformats2の語彙から導出され、語彙が無い場合は一般的なメンションになる。
type MentionType string

const (
	MentionTypeUnknown  MentionType = "unknown"
	MentionTypeMention  MentionType = "mention"
	MentionTypeReply    MentionType = "reply"
	MentionTypeLike     MentionType = "like"
	MentionTypeRepost   MentionType = "repost"
	MentionTypeBookmark MentionType = "bookmark"
	MentionTypeRSVP     MentionType = "rsvp"
	MentionTypeFollow   MentionType = "follow"
)

// mentionTypeByProperty はmicroformats2プロパティ名から分類への対応表。
var mentionTypeByProperty = map[string]MentionType{
	"in-reply-to": MentionTypeReply,
	"like-of":     MentionTypeLike,
	"repost-of":   MentionTypeRepost,
	"bookmark-of": MentionTypeBookmark,
	"rsvp":        MentionTypeRSVP,
	"follow-of":   MentionTypeFollow,
	"mention":     MentionTypeMention,
}

// MentionTypeFromRaw はmicroformats2プロパティ名をMentionTypeに対応付ける。
// 空文字列はUnknown、未知のプロパティ名は一般的なメンションとして扱う。
func MentionTypeFromRaw(raw string) MentionType {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return MentionTypeUnknown
	}
	if t, ok := mentionTypeByProperty[key]; ok {
		return t
	}
	return MentionTypeMention
}

// Identity はWebmentionの論理的同一性キーを表す。
type Identity struct {
	Source    string
	Target    string
	Direction Direction
}

// Identity は自身の同一性キーを返す。
func (m *Webmention) Identity() Identity {
	return Identity{Source: m.Source, Target: m.Target, Direction: m.Direction}
}

// Validate はWebmentionの不変条件を検証する。
// SourceとTargetは絶対http(s) URLであること、自己言及でないこと、
// Directionが定義済みであることを確認する。
func (m *Webmention) Validate() error {
	if err := ValidateAbsoluteURL(m.Source); err != nil {
		return NewInvalidSourceError(m.Source, err.Error())
	}
	if err := ValidateAbsoluteURL(m.Target); err != nil {
		return NewInvalidTargetError(m.Target, err.Error())
	}
	if m.Source == m.Target {
		return NewSelfMentionError(m.Source)
	}
	if m.Direction != DirectionIn && m.Direction != DirectionOut {
		return NewInvalidDirectionError(string(m.Direction))
	}
	return nil
}

// ValidateAbsoluteURL はURLが絶対http(s) URLであることを検証する。
func ValidateAbsoluteURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("URLが空です")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("URLを解釈できません: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("スキームはhttpまたはhttpsである必要があります: %s", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("ホストが空です")
	}
	return nil
}

// ParseTime は様々な表現のタイムスタンプを解釈する。
// タイムゾーン付きISO 8601はそのまま、タイムゾーンなしはUTCとみなす。
// 数値はUNIXエポック秒として扱う。空文字列とnilはnilを返す。
func ParseTime(v any) (*time.Time, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &t, nil
	case *time.Time:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		layouts := []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
			"2006-01-02",
		}
		for _, layout := range layouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return &parsed, nil
			}
		}
		return nil, fmt.Errorf("日時表現を解釈できません: %s", s)
	case int:
		return epochTime(float64(t)), nil
	case int64:
		return epochTime(float64(t)), nil
	case float64:
		return epochTime(t), nil
	}
	return nil, fmt.Errorf("日時として扱えない型です: %T", v)
}

func epochTime(sec float64) *time.Time {
	whole := int64(sec)
	nsec := int64((sec - float64(whole)) * 1e9)
	t := time.Unix(whole, nsec).UTC()
	return &t
}
