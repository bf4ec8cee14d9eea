package send

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/mentiond/internal/mention"
	"github.com/hitoshi/mentiond/internal/model"
	"github.com/hitoshi/mentiond/internal/repository"
)

// fakeRetryRepo はRetryQueueRepositoryのインメモリ実装。
// ソースURLをキーにUPSERTし、エラー注入フィールドで失敗を再現できる。
type fakeRetryRepo struct {
	mu         sync.Mutex
	entries    map[string]*model.RetryEntry
	enqueueErr error
	findErr    error
	dueErr     error
	removeErr  error
}

var _ repository.RetryQueueRepository = (*fakeRetryRepo)(nil)

func newFakeRetryRepo() *fakeRetryRepo {
	return &fakeRetryRepo{entries: make(map[string]*model.RetryEntry)}
}

func (f *fakeRetryRepo) Enqueue(_ context.Context, entry *model.RetryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	cp := *entry
	f.entries[entry.Source] = &cp
	return nil
}

func (f *fakeRetryRepo) FindBySource(_ context.Context, source string) (*model.RetryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	e, ok := f.entries[source]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (f *fakeRetryRepo) Due(_ context.Context, now time.Time, limit int) ([]*model.RetryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dueErr != nil {
		return nil, f.dueErr
	}
	var due []*model.RetryEntry
	for _, e := range f.entries {
		if !e.NextAttemptAt.After(now) {
			cp := *e
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (f *fakeRetryRepo) Remove(_ context.Context, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.entries, source)
	return nil
}

func (f *fakeRetryRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeRetryRepo) entry(source string) *model.RetryEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[source]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// setDue は予約の実行予定時刻を過去に動かす（テスト用の時間送り）。
func (f *fakeRetryRepo) setDue(source string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[source]; ok {
		e.NextAttemptAt = time.Now().Add(-time.Minute)
	}
}

// processCall はmockProcessorが記録する1回分の呼び出し。
type processCall struct {
	source string
	text   *string
	format model.ContentFormat
}

// mockProcessor はOutgoingProcessorのモック実装。
type mockProcessor struct {
	mu        sync.Mutex
	calls     []processCall
	processFn func(ctx context.Context, source string, text *string, format model.ContentFormat) (*mention.OutgoingResult, error)
}

var _ OutgoingProcessor = (*mockProcessor)(nil)

func (m *mockProcessor) ProcessOutgoing(ctx context.Context, source string, text *string, format model.ContentFormat) (*mention.OutgoingResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, processCall{source: source, text: text, format: format})
	fn := m.processFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, source, text, format)
	}
	return &mention.OutgoingResult{}, nil
}

func (m *mockProcessor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockProcessor) call(i int) processCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

func (m *mockProcessor) setProcessFn(fn func(ctx context.Context, source string, text *string, format model.ContentFormat) (*mention.OutgoingResult, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processFn = fn
}

func newTestLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, nil))
}

// assertWithin はtolを許容誤差として時刻の一致を検証する。
func assertWithin(t *testing.T, got, want time.Time, tol time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < -tol || diff > tol {
		t.Errorf("next_attempt_at = %v, want %v (±%v)", got, want, tol)
	}
}

// --- Retrier のテスト ---

// TestRetrier_PassesThroughSuccess は成功時に予約が登録されず、
// 結果がそのまま返ることを確認する。
func TestRetrier_PassesThroughSuccess(t *testing.T) {
	repo := newFakeRetryRepo()
	proc := &mockProcessor{processFn: func(_ context.Context, _ string, _ *string, _ model.ContentFormat) (*mention.OutgoingResult, error) {
		return &mention.OutgoingResult{Sent: []string{"https://other.example/a"}}, nil
	}}
	r := NewRetrier(proc, repo, newTestLogger(io.Discard), 5)

	result, err := r.ProcessOutgoing(context.Background(), "https://blog.example/post", nil, "")
	if err != nil {
		t.Fatalf("ProcessOutgoing returned error: %v", err)
	}
	if len(result.Sent) != 1 {
		t.Errorf("sent count = %d, want 1", len(result.Sent))
	}
	if repo.count() != 0 {
		t.Errorf("queue count = %d, want 0", repo.count())
	}
}

// TestRetrier_EnqueuesOnTransientError はソース全体の一時的な失敗が
// 初回30分後の再試行として予約されることを確認する。
func TestRetrier_EnqueuesOnTransientError(t *testing.T) {
	repo := newFakeRetryRepo()
	transient := model.NewResolutionError("https://blog.example/post", errors.New("connection refused"))
	proc := &mockProcessor{processFn: func(_ context.Context, _ string, _ *string, _ model.ContentFormat) (*mention.OutgoingResult, error) {
		return nil, transient
	}}
	r := NewRetrier(proc, repo, newTestLogger(io.Discard), 5)

	_, err := r.ProcessOutgoing(context.Background(), "https://blog.example/post", nil, "")
	if !errors.Is(err, transient) {
		t.Fatalf("error = %v, want original transient error", err)
	}

	entry := repo.entry("https://blog.example/post")
	if entry == nil {
		t.Fatal("retry entry was not enqueued")
	}
	if entry.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", entry.Attempts)
	}
	if entry.LastError == "" {
		t.Error("last_error should record the failure")
	}
	assertWithin(t, entry.NextAttemptAt, time.Now().Add(30*time.Minute), time.Minute)
}

// TestRetrier_EnqueuesOnPartialTargetFailure は一部ターゲットだけが
// 失敗した場合にも予約が登録されることを確認する。
func TestRetrier_EnqueuesOnPartialTargetFailure(t *testing.T) {
	repo := newFakeRetryRepo()
	proc := &mockProcessor{processFn: func(_ context.Context, _ string, _ *string, _ model.ContentFormat) (*mention.OutgoingResult, error) {
		return &mention.OutgoingResult{
			Sent: []string{"https://other.example/a"},
			Failed: []mention.TargetError{
				{Target: "https://down.example/b", Err: errors.New("timeout")},
			},
		}, nil
	}}
	r := NewRetrier(proc, repo, newTestLogger(io.Discard), 5)

	result, err := r.ProcessOutgoing(context.Background(), "https://blog.example/post", nil, "")
	if err != nil {
		t.Fatalf("ProcessOutgoing returned error: %v", err)
	}
	if len(result.Sent) != 1 {
		t.Errorf("sent count = %d, want 1 (result must not be altered)", len(result.Sent))
	}

	entry := repo.entry("https://blog.example/post")
	if entry == nil {
		t.Fatal("retry entry was not enqueued")
	}
	if !strings.Contains(entry.LastError, "https://down.example/b") {
		t.Errorf("last_error = %q, want failed target recorded", entry.LastError)
	}
}

// TestRetrier_DoesNotEnqueueValidationError は恒久的な検証エラーが
// 予約されないことを確認する。
func TestRetrier_DoesNotEnqueueValidationError(t *testing.T) {
	repo := newFakeRetryRepo()
	proc := &mockProcessor{processFn: func(_ context.Context, source string, _ *string, _ model.ContentFormat) (*mention.OutgoingResult, error) {
		return nil, model.NewInvalidSourceError(source, "相対URLです")
	}}
	r := NewRetrier(proc, repo, newTestLogger(io.Discard), 5)

	_, err := r.ProcessOutgoing(context.Background(), "/relative", nil, "")
	if err == nil {
		t.Fatal("validation error should pass through")
	}
	if repo.count() != 0 {
		t.Errorf("queue count = %d, want 0", repo.count())
	}
}

// TestRetrier_CarriesOverAttempts は既存の予約がある場合に試行回数を
// 引き継ぎ、バックオフが伸びることを確認する。
func TestRetrier_CarriesOverAttempts(t *testing.T) {
	repo := newFakeRetryRepo()
	seed := &model.RetryEntry{
		Source:        "https://blog.example/post",
		Attempts:      2,
		NextAttemptAt: time.Now().Add(time.Hour),
	}
	if err := repo.Enqueue(context.Background(), seed); err != nil {
		t.Fatalf("seed Enqueue failed: %v", err)
	}

	proc := &mockProcessor{processFn: func(_ context.Context, source string, _ *string, _ model.ContentFormat) (*mention.OutgoingResult, error) {
		return nil, model.NewResolutionError(source, errors.New("timeout"))
	}}
	r := NewRetrier(proc, repo, newTestLogger(io.Discard), 5)

	_, _ = r.ProcessOutgoing(context.Background(), "https://blog.example/post", nil, "")

	entry := repo.entry("https://blog.example/post")
	if entry == nil {
		t.Fatal("retry entry disappeared")
	}
	if entry.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", entry.Attempts)
	}
	// 3回目の失敗なので遅延は2時間
	assertWithin(t, entry.NextAttemptAt, time.Now().Add(2*time.Hour), time.Minute)
}

// TestRetrier_DropsAtMaxAttempts は上限に達したソースの予約が
// 削除され、再試行されなくなることを確認する。
func TestRetrier_DropsAtMaxAttempts(t *testing.T) {
	repo := newFakeRetryRepo()
	seed := &model.RetryEntry{
		Source:        "https://blog.example/post",
		Attempts:      2,
		NextAttemptAt: time.Now().Add(time.Hour),
	}
	if err := repo.Enqueue(context.Background(), seed); err != nil {
		t.Fatalf("seed Enqueue failed: %v", err)
	}

	proc := &mockProcessor{processFn: func(_ context.Context, source string, _ *string, _ model.ContentFormat) (*mention.OutgoingResult, error) {
		return nil, model.NewResolutionError(source, errors.New("timeout"))
	}}
	var logBuf bytes.Buffer
	r := NewRetrier(proc, repo, newTestLogger(&logBuf), 3)

	_, _ = r.ProcessOutgoing(context.Background(), "https://blog.example/post", nil, "")

	if repo.count() != 0 {
		t.Errorf("queue count = %d, want 0 (entry should be dropped)", repo.count())
	}
	if !strings.Contains(logBuf.String(), "断念") {
		t.Errorf("log output = %q, want give-up entry", logBuf.String())
	}
}

// TestRetrier_EnqueueFailureDoesNotMaskResult は予約の登録失敗が
// 元の処理結果を上書きしないことを確認する。
func TestRetrier_EnqueueFailureDoesNotMaskResult(t *testing.T) {
	repo := newFakeRetryRepo()
	repo.enqueueErr = errors.New("db down")
	transient := model.NewResolutionError("https://blog.example/post", errors.New("timeout"))
	proc := &mockProcessor{processFn: func(_ context.Context, _ string, _ *string, _ model.ContentFormat) (*mention.OutgoingResult, error) {
		return nil, transient
	}}
	var logBuf bytes.Buffer
	r := NewRetrier(proc, repo, newTestLogger(&logBuf), 5)

	_, err := r.ProcessOutgoing(context.Background(), "https://blog.example/post", nil, "")
	if !errors.Is(err, transient) {
		t.Errorf("error = %v, want original transient error", err)
	}
	if !strings.Contains(logBuf.String(), "再試行予約の登録に失敗しました") {
		t.Errorf("log output = %q, want enqueue failure entry", logBuf.String())
	}
}
