package watcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hitoshi/mentiond/internal/mention"
	"github.com/hitoshi/mentiond/internal/model"
)

// outgoingCall はrecordingProcessorが記録する1回分の呼び出し。
type outgoingCall struct {
	source string
	text   *string
	format model.ContentFormat
}

// recordingProcessor はテスト用のOutgoingProcessor実装。
// 呼び出し内容を記録し、設定されたエラーを返す。
type recordingProcessor struct {
	mu    sync.Mutex
	calls []outgoingCall
	err   error
}

var _ OutgoingProcessor = (*recordingProcessor)(nil)

func (p *recordingProcessor) ProcessOutgoing(_ context.Context, source string, text *string, format model.ContentFormat) (*mention.OutgoingResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, outgoingCall{source: source, text: text, format: format})
	if p.err != nil {
		return nil, p.err
	}
	return &mention.OutgoingResult{}, nil
}

func (p *recordingProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *recordingProcessor) call(i int) outgoingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

// newTestWatcher はテスト用の短いデバウンス設定でWatcherを生成する。
func newTestWatcher(t *testing.T, processor OutgoingProcessor, root string, logW io.Writer) *Watcher {
	t.Helper()

	if logW == nil {
		logW = io.Discard
	}
	logger := slog.New(slog.NewJSONHandler(logW, nil))

	mapper, err := NewPrettyURLMapper(root, "https://blog.example")
	if err != nil {
		t.Fatalf("NewPrettyURLMapper returned error: %v", err)
	}

	w, err := New(processor, logger, Config{
		RootDir:  root,
		Mapper:   mapper,
		Debounce: 20 * time.Millisecond,
		Throttle: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return w
}

func newTestFSWatcher(t *testing.T) *fsnotify.Watcher {
	t.Helper()
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		t.Fatalf("fsnotify.NewWatcher returned error: %v", err)
	}
	t.Cleanup(func() { fsw.Close() })
	return fsw
}

// --- New のテスト ---

func TestNew_RequiresRootDir(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	mapper, _ := NewPrettyURLMapper(t.TempDir(), "https://blog.example")

	if _, err := New(&recordingProcessor{}, logger, Config{Mapper: mapper}); err == nil {
		t.Error("New without RootDir should return error")
	}
}

func TestNew_RequiresMapper(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	if _, err := New(&recordingProcessor{}, logger, Config{RootDir: t.TempDir()}); err == nil {
		t.Error("New without Mapper should return error")
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	root := t.TempDir()
	mapper, _ := NewPrettyURLMapper(root, "https://blog.example")

	w, err := New(&recordingProcessor{}, logger, Config{RootDir: root, Mapper: mapper})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if w.debounce != defaultDebounce {
		t.Errorf("debounce = %v, want %v", w.debounce, defaultDebounce)
	}
	if w.throttle != defaultThrottle {
		t.Errorf("throttle = %v, want %v", w.throttle, defaultThrottle)
	}
	for _, ext := range DefaultExtensions {
		if _, ok := w.extensions[ext]; !ok {
			t.Errorf("extensions missing %q", ext)
		}
	}
}

// --- handleEvent のテスト ---

// TestHandleEvent_FiltersNonWatchedExtensions は対象外の拡張子の
// イベントが無視されることを確認する。
func TestHandleEvent_FiltersNonWatchedExtensions(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, &recordingProcessor{}, root, nil)
	fsw := newTestFSWatcher(t)

	w.handleEvent(fsw, fsnotify.Event{Name: filepath.Join(root, "image.png"), Op: fsnotify.Write})
	if len(w.pending) != 0 {
		t.Errorf("pending count = %d, want 0", len(w.pending))
	}

	w.handleEvent(fsw, fsnotify.Event{Name: filepath.Join(root, "post.md"), Op: fsnotify.Write})
	if len(w.pending) != 1 {
		t.Errorf("pending count = %d, want 1", len(w.pending))
	}
}

// TestHandleEvent_IgnoresPathsOutsideRoot は監視ディレクトリ外の
// パスのイベントが無視されることを確認する。
func TestHandleEvent_IgnoresPathsOutsideRoot(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "other.md")
	w := newTestWatcher(t, &recordingProcessor{}, root, nil)
	fsw := newTestFSWatcher(t)

	w.handleEvent(fsw, fsnotify.Event{Name: outside, Op: fsnotify.Write})

	if len(w.pending) != 0 {
		t.Errorf("pending count = %d, want 0", len(w.pending))
	}
}

func TestHandleEvent_IgnoresChmod(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, &recordingProcessor{}, root, nil)
	fsw := newTestFSWatcher(t)

	w.handleEvent(fsw, fsnotify.Event{Name: filepath.Join(root, "post.md"), Op: fsnotify.Chmod})

	if len(w.pending) != 0 {
		t.Errorf("pending count = %d, want 0", len(w.pending))
	}
}

// TestHandleEvent_MapsOperationsToChangeKinds は削除・リネームが撤回、
// 作成・書き込みが再送信として記録されることを確認する。
func TestHandleEvent_MapsOperationsToChangeKinds(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name string
		op   fsnotify.Op
		want changeKind
	}{
		{name: "書き込みは更新", op: fsnotify.Write, want: changeUpdated},
		{name: "作成は更新", op: fsnotify.Create, want: changeUpdated},
		{name: "削除は撤回", op: fsnotify.Remove, want: changeDeleted},
		{name: "リネームは旧パスの撤回", op: fsnotify.Rename, want: changeDeleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWatcher(t, &recordingProcessor{}, root, nil)
			fsw := newTestFSWatcher(t)
			path := filepath.Join(root, "post.md")

			w.handleEvent(fsw, fsnotify.Event{Name: path, Op: tt.op})

			change, ok := w.pending[path]
			if !ok {
				t.Fatal("event was not queued")
			}
			if change.kind != tt.want {
				t.Errorf("kind = %d, want %d", change.kind, tt.want)
			}
		})
	}
}

// TestHandleEvent_AddsNewDirectoriesToWatch は新規作成された
// ディレクトリが監視対象に加わることを確認する。
func TestHandleEvent_AddsNewDirectoriesToWatch(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, &recordingProcessor{}, root, nil)
	fsw := newTestFSWatcher(t)

	sub := filepath.Join(root, "drafts")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	w.handleEvent(fsw, fsnotify.Event{Name: sub, Op: fsnotify.Create})

	found := false
	for _, watched := range fsw.WatchList() {
		if watched == sub {
			found = true
		}
	}
	if !found {
		t.Error("new directory was not added to watch list")
	}
	if len(w.pending) != 0 {
		t.Errorf("pending count = %d, want 0 (directories are not content)", len(w.pending))
	}
}

// --- flush のテスト ---

// TestFlush_WaitsForDebounce は静穏時間が明けるまで変更が
// 処理されないことを確認する。
func TestFlush_WaitsForDebounce(t *testing.T) {
	root := t.TempDir()
	processor := &recordingProcessor{}
	w := newTestWatcher(t, processor, root, nil)
	fsw := newTestFSWatcher(t)

	w.handleEvent(fsw, fsnotify.Event{Name: filepath.Join(root, "post.md"), Op: fsnotify.Remove})

	// 直後のflushではまだ処理されない
	w.flush()
	if got := processor.callCount(); got != 0 {
		t.Errorf("call count before debounce = %d, want 0", got)
	}

	time.Sleep(30 * time.Millisecond)

	w.flush()
	if got := processor.callCount(); got != 1 {
		t.Fatalf("call count after debounce = %d, want 1", got)
	}
	if got := processor.call(0).source; got != "https://blog.example/post" {
		t.Errorf("source = %q, want %q", got, "https://blog.example/post")
	}
}

// --- dispatch のテスト ---

// TestDispatch_DeletedSendsEmptyText は削除されたファイルに対して
// 空文字列が渡され、全ターゲットの撤回になることを確認する。
func TestDispatch_DeletedSendsEmptyText(t *testing.T) {
	root := t.TempDir()
	processor := &recordingProcessor{}
	w := newTestWatcher(t, processor, root, nil)

	w.dispatch(filepath.Join(root, "gone.md"), changeDeleted)

	if got := processor.callCount(); got != 1 {
		t.Fatalf("call count = %d, want 1", got)
	}
	call := processor.call(0)
	if call.text == nil {
		t.Fatal("text is nil, want empty string")
	}
	if *call.text != "" {
		t.Errorf("text = %q, want empty string", *call.text)
	}
}

// TestDispatch_UpdatedReadsFileContent は更新されたファイルの本文と
// 拡張子から推定したフォーマットが渡されることを確認する。
func TestDispatch_UpdatedReadsFileContent(t *testing.T) {
	root := t.TempDir()
	processor := &recordingProcessor{}
	w := newTestWatcher(t, processor, root, nil)

	path := filepath.Join(root, "hello.md")
	content := "# こんにちは\n\n[返信](https://other.example/post)\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	w.dispatch(path, changeUpdated)

	if got := processor.callCount(); got != 1 {
		t.Fatalf("call count = %d, want 1", got)
	}
	call := processor.call(0)
	if call.text == nil {
		t.Fatal("text is nil, want file content")
	}
	if *call.text != content {
		t.Errorf("text = %q, want %q", *call.text, content)
	}
	if call.format != model.FormatMarkdown {
		t.Errorf("format = %q, want %q", call.format, model.FormatMarkdown)
	}
	if call.source != "https://blog.example/hello" {
		t.Errorf("source = %q, want %q", call.source, "https://blog.example/hello")
	}
}

// TestDispatch_MissingFileRetractsAll は更新イベントでもファイルが
// 既に消えていれば撤回として扱われることを確認する。
func TestDispatch_MissingFileRetractsAll(t *testing.T) {
	root := t.TempDir()
	processor := &recordingProcessor{}
	w := newTestWatcher(t, processor, root, nil)

	w.dispatch(filepath.Join(root, "vanished.md"), changeUpdated)

	if got := processor.callCount(); got != 1 {
		t.Fatalf("call count = %d, want 1", got)
	}
	call := processor.call(0)
	if call.text == nil || *call.text != "" {
		t.Error("text should be empty string for vanished file")
	}
}

// TestDispatch_ProcessorErrorIsLoggedNotPropagated は送信処理の失敗が
// ログに記録されるだけで監視を壊さないことを確認する。
func TestDispatch_ProcessorErrorIsLoggedNotPropagated(t *testing.T) {
	root := t.TempDir()
	processor := &recordingProcessor{err: errors.New("boom")}
	var logBuf bytes.Buffer
	w := newTestWatcher(t, processor, root, &logBuf)

	w.dispatch(filepath.Join(root, "post.md"), changeDeleted)

	if got := processor.callCount(); got != 1 {
		t.Fatalf("call count = %d, want 1", got)
	}
	if !strings.Contains(logBuf.String(), "送信Webmention処理に失敗しました") {
		t.Errorf("log output = %q, want failure entry", logBuf.String())
	}
}

func TestDispatch_UnmappablePathIsSkipped(t *testing.T) {
	root := t.TempDir()
	processor := &recordingProcessor{}
	w := newTestWatcher(t, processor, root, nil)

	w.dispatch(filepath.Join(t.TempDir(), "outside.md"), changeUpdated)

	if got := processor.callCount(); got != 0 {
		t.Errorf("call count = %d, want 0", got)
	}
}

// --- Start / Stop のテスト ---

// TestWatcher_StartStop はStart後のStopが監視goroutineを確実に
// 終了させ、二重のStopが安全であることを確認する。
func TestWatcher_StartStop(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, &recordingProcessor{}, root, nil)

	if err := w.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	// 二重のStartは何もしない
	if err := w.Start(); err != nil {
		t.Fatalf("second Start returned error: %v", err)
	}

	w.Stop()
	w.Stop() // 二重のStopも安全
}

// TestWatcher_StartWithMissingRootDir は監視ディレクトリが存在しない場合に
// エラーにならず監視が無効のままになることを確認する。
func TestWatcher_StartWithMissingRootDir(t *testing.T) {
	root := filepath.Join(t.TempDir(), "does-not-exist")
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	mapper, _ := NewPrettyURLMapper(root, "https://blog.example")

	w, err := New(&recordingProcessor{}, logger, Config{RootDir: root, Mapper: mapper})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	w.Stop() // 未開始扱いなので何もしない
}

// TestWatcher_DetectsFileChange は実ファイルの書き込みがデバウンスを経て
// 送信Webmention処理に到達することを確認する。
func TestWatcher_DetectsFileChange(t *testing.T) {
	root := t.TempDir()
	processor := &recordingProcessor{}
	w := newTestWatcher(t, processor, root, nil)

	if err := w.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer w.Stop()

	path := filepath.Join(root, "note.md")
	if err := os.WriteFile(path, []byte("https://other.example/article を読んだ。"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if processor.callCount() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := processor.callCount(); got == 0 {
		t.Fatal("file change did not reach the outgoing processor")
	}
	if got := processor.call(0).source; got != "https://blog.example/note" {
		t.Errorf("source = %q, want %q", got, "https://blog.example/note")
	}
}
