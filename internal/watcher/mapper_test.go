package watcher

import (
	"path/filepath"
	"strings"
	"testing"
)

// --- NewPrettyURLMapper のテスト ---

// TestNewPrettyURLMapper_MapsFilesToPrettyURLs はファイルパスが
// 拡張子なしの公開URLに対応付けられることを確認する。
func TestNewPrettyURLMapper_MapsFilesToPrettyURLs(t *testing.T) {
	root := t.TempDir()

	mapper, err := NewPrettyURLMapper(root, "https://blog.example")
	if err != nil {
		t.Fatalf("NewPrettyURLMapper returned error: %v", err)
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{
			name: "通常の記事ファイル",
			path: filepath.Join(root, "posts", "hello.md"),
			want: "https://blog.example/posts/hello",
		},
		{
			name: "ディレクトリのインデックスファイル",
			path: filepath.Join(root, "posts", "index.md"),
			want: "https://blog.example/posts/",
		},
		{
			name: "ルート直下のインデックスファイル",
			path: filepath.Join(root, "index.html"),
			want: "https://blog.example/",
		},
		{
			name: "深い階層のファイル",
			path: filepath.Join(root, "2026", "08", "notes.txt"),
			want: "https://blog.example/2026/08/notes",
		},
		{
			name: "HTMLファイル",
			path: filepath.Join(root, "about.html"),
			want: "https://blog.example/about",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mapper(tt.path)
			if err != nil {
				t.Fatalf("mapper(%q) returned error: %v", tt.path, err)
			}
			if got != tt.want {
				t.Errorf("mapper(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

// TestNewPrettyURLMapper_TrimsTrailingSlashFromBaseURL はベースURL末尾の
// スラッシュが二重にならないことを確認する。
func TestNewPrettyURLMapper_TrimsTrailingSlashFromBaseURL(t *testing.T) {
	root := t.TempDir()

	mapper, err := NewPrettyURLMapper(root, "https://blog.example/")
	if err != nil {
		t.Fatalf("NewPrettyURLMapper returned error: %v", err)
	}

	got, err := mapper(filepath.Join(root, "posts", "hello.md"))
	if err != nil {
		t.Fatalf("mapper returned error: %v", err)
	}
	want := "https://blog.example/posts/hello"
	if got != want {
		t.Errorf("mapper = %q, want %q", got, want)
	}
}

func TestNewPrettyURLMapper_EmptyBaseURL(t *testing.T) {
	if _, err := NewPrettyURLMapper(t.TempDir(), ""); err == nil {
		t.Error("NewPrettyURLMapper with empty base URL should return error")
	}
}

// TestNewPrettyURLMapper_RejectsPathOutsideRoot は監視ディレクトリ外の
// パスがURLに対応付けられないことを確認する。
func TestNewPrettyURLMapper_RejectsPathOutsideRoot(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "other.md")

	mapper, err := NewPrettyURLMapper(root, "https://blog.example")
	if err != nil {
		t.Fatalf("NewPrettyURLMapper returned error: %v", err)
	}

	_, err = mapper(outside)
	if err == nil {
		t.Fatal("mapper with path outside root should return error")
	}
	if !strings.Contains(err.Error(), "監視ディレクトリの外") {
		t.Errorf("error message = %q, want mention of directory boundary", err.Error())
	}
}
