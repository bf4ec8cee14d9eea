package model

import "time"

// RetryEntry は送信処理の再試行予約を表す。
// Webmention本体の記録とは独立したキューで、ソースURL単位で1件だけ持つ。
// 再試行時はソースの現在の本文から差分を取り直すため、ターゲット一覧は保持しない。
type RetryEntry struct {
	ID            string
	Source        string
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
