// Package watcher はコンテンツディレクトリのファイル変更を監視し、
// 変更を送信Webmention処理に対応付ける。
// ファイルの追加・編集は本文の再送信、削除は全ターゲットの撤回になる。
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hitoshi/mentiond/internal/mention"
	"github.com/hitoshi/mentiond/internal/model"
)

// OutgoingProcessor は送信Webmention処理のインターフェース。
type OutgoingProcessor interface {
	// ProcessOutgoing はソースURLの現在の内容に基づき送信と撤回を行う。
	// textがnilの場合はソースURLをフェッチ、空文字列の場合は全撤回になる。
	ProcessOutgoing(ctx context.Context, source string, text *string, format model.ContentFormat) (*mention.OutgoingResult, error)
}

// DefaultExtensions は監視対象のデフォルト拡張子。
var DefaultExtensions = []string{".md", ".markdown", ".txt", ".html", ".htm"}

const (
	// defaultDebounce は同一ファイルの連続イベントをまとめる静穏時間のデフォルト。
	defaultDebounce = 2 * time.Second
	// defaultThrottle は変更処理の最小間隔のデフォルト。
	defaultThrottle = 2 * time.Second
)

// changeKind はファイル変更の種別を表す。
type changeKind int

const (
	// changeUpdated は追加または編集。本文を読み直して再送信する。
	changeUpdated changeKind = iota
	// changeDeleted は削除。全ターゲットを撤回する。
	changeDeleted
)

// pendingChange はデバウンス待ちの変更を表す。
type pendingChange struct {
	kind     changeKind
	lastSeen time.Time
}

// Config は監視の動作設定。
type Config struct {
	// RootDir は監視対象のルートディレクトリ。サブディレクトリも再帰的に監視する。
	RootDir string
	// Mapper はファイルパスから公開URLへの対応付け。必須。
	Mapper FileURLMapper
	// Extensions は監視対象の拡張子。空ならDefaultExtensionsを使う。
	Extensions []string
	// Debounce は同一ファイルの連続イベントをまとめる静穏時間。
	Debounce time.Duration
	// Throttle は変更処理の最小間隔。書き込みの嵐で送信が連発するのを防ぐ。
	Throttle time.Duration
}

// Watcher はコンテンツディレクトリの変更を監視する。
// 変更ハンドラ内のエラーはログに記録するだけで監視ループは止めない。
type Watcher struct {
	processor OutgoingProcessor
	logger    *slog.Logger

	rootDir    string
	mapper     FileURLMapper
	extensions map[string]struct{}
	debounce   time.Duration
	throttle   time.Duration

	mu     sync.Mutex
	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	done   chan struct{}

	// 以下は監視goroutineからのみ触る
	pending       map[string]pendingChange
	lastProcessed time.Time
}

// New はWatcherの新しいインスタンスを生成する。
func New(processor OutgoingProcessor, logger *slog.Logger, cfg Config) (*Watcher, error) {
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("監視ディレクトリが指定されていません")
	}
	if cfg.Mapper == nil {
		return nil, fmt.Errorf("FileURLMapperが指定されていません")
	}

	root, err := filepath.Abs(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("監視ディレクトリの絶対パスを解決できません: %w", err)
	}

	exts := cfg.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	extSet := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		extSet[strings.ToLower(e)] = struct{}{}
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	throttle := cfg.Throttle
	if throttle <= 0 {
		throttle = defaultThrottle
	}

	return &Watcher{
		processor:  processor,
		logger:     logger,
		rootDir:    root,
		mapper:     cfg.Mapper,
		extensions: extSet,
		debounce:   debounce,
		throttle:   throttle,
		pending:    make(map[string]pendingChange),
	}, nil
}

// Start は監視を開始する。既に開始済みの場合は何もしない。
// 監視ディレクトリが存在しない場合は警告を出して監視を無効のままにする。
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fsw != nil {
		return nil
	}

	info, err := os.Stat(w.rootDir)
	if err != nil || !info.IsDir() {
		w.logger.Warn("監視ディレクトリが存在しないため、ファイル監視を無効にします",
			slog.String("root_dir", w.rootDir),
		)
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ファイル監視の初期化に失敗しました: %w", err)
	}

	// ルート配下のディレクトリを再帰的に登録する
	if err := addRecursive(fsw, w.rootDir); err != nil {
		fsw.Close()
		return fmt.Errorf("監視ディレクトリの登録に失敗しました: %w", err)
	}

	w.fsw = fsw
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})

	go w.run(fsw, w.stopCh, w.done)

	w.logger.Info("ファイル監視を開始しました",
		slog.String("root_dir", w.rootDir),
		slog.Duration("debounce", w.debounce),
	)
	return nil
}

// Stop は監視を停止する。未開始または停止済みの場合は何もしない。
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fsw == nil {
		return
	}

	close(w.stopCh)
	<-w.done
	w.fsw.Close()
	w.fsw = nil

	w.logger.Info("ファイル監視を停止しました")
}

// addRecursive はroot配下の全ディレクトリを監視対象に登録する。
func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
}

// run は監視ループ。イベントの取り込みとデバウンス済み変更の処理を行う。
func (w *Watcher) run(fsw *fsnotify.Watcher, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	tick := w.debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("ファイル監視でエラーが発生しました",
				slog.String("error", err.Error()),
			)
		case <-ticker.C:
			w.flush()
		}
	}
}

// handleEvent はファイルシステムイベントをデバウンス待ちの変更に変換する。
// リネームは旧パスの削除と新パスの追加として扱う。
func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}

	path := filepath.Clean(ev.Name)

	// 新しいディレクトリは監視対象に加える
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := fsw.Add(path); err != nil {
				w.logger.Warn("新規ディレクトリの監視登録に失敗しました",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}

	if !w.watchable(path) {
		return
	}

	kind := changeUpdated
	if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		kind = changeDeleted
	}

	w.pending[path] = pendingChange{kind: kind, lastSeen: time.Now()}
}

// watchable はパスが監視対象（ルート配下かつ対象拡張子）かを判定する。
func (w *Watcher) watchable(path string) bool {
	if path == "" || path == "." {
		return false
	}
	rel, err := filepath.Rel(w.rootDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	_, ok := w.extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// flush はデバウンスが明けた変更を処理する。
// 個々の処理の間隔はthrottleで律速する。
func (w *Watcher) flush() {
	now := time.Now()
	for path, change := range w.pending {
		if now.Sub(change.lastSeen) < w.debounce {
			continue
		}
		if time.Since(w.lastProcessed) < w.throttle {
			return
		}
		delete(w.pending, path)
		w.dispatch(path, change.kind)
		w.lastProcessed = time.Now()
	}
}

// dispatch は1件の変更を送信Webmention処理に引き渡す。
// エラーはログに記録するだけで呼び出し元へは返さない。
func (w *Watcher) dispatch(path string, kind changeKind) {
	sourceURL, err := w.mapper(path)
	if err != nil {
		w.logger.Warn("ファイルパスをURLに対応付けできませんでした",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}

	var text *string
	var format model.ContentFormat

	if kind == changeDeleted || !fileExists(path) {
		// 削除は空文字列を渡して全ターゲットを撤回する
		empty := ""
		text = &empty
		w.logger.Info("コンテンツの削除を検知しました",
			slog.String("path", path),
			slog.String("source", sourceURL),
		)
	} else {
		format = model.FormatFromExtension(path)
		data, err := os.ReadFile(path)
		if err != nil {
			// 読み取れない場合はURL側のフェッチに任せる
			w.logger.Warn("ファイルの読み取りに失敗しました",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			text = nil
		} else {
			body := string(data)
			text = &body
		}
		w.logger.Info("コンテンツの変更を検知しました",
			slog.String("path", path),
			slog.String("source", sourceURL),
		)
	}

	start := time.Now()
	if _, err := w.processor.ProcessOutgoing(context.Background(), sourceURL, text, format); err != nil {
		w.logger.Error("送信Webmention処理に失敗しました",
			slog.String("source", sourceURL),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.Info("送信Webmention処理が完了しました",
		slog.String("source", sourceURL),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}

// fileExists はパスが通常ファイルとして存在するかを返す。
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
