package watcher

import (
	"fmt"
	"path/filepath"
	"strings"
)

// FileURLMapper はファイルパスから公開URLへの対応付け関数。
// 監視ディレクトリ配下のファイルが、サイト上のどのURLとして
// 公開されているかを決める。
type FileURLMapper func(path string) (string, error)

// NewPrettyURLMapper はrootDir配下の相対パスをbaseURL配下のURLに対応付ける
// FileURLMapperを返す。拡張子は取り除き、indexファイルはディレクトリの
// URLに畳む（静的サイトジェネレータの一般的な公開規則に合わせる）。
//
//	posts/hello.md  -> <base>/posts/hello
//	posts/index.md  -> <base>/posts/
//	index.html      -> <base>/
func NewPrettyURLMapper(rootDir, baseURL string) (FileURLMapper, error) {
	root, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("監視ディレクトリの絶対パスを解決できません: %w", err)
	}
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("ベースURLが空です")
	}

	return func(path string) (string, error) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("ファイルパスを解決できません: %w", err)
		}

		rel, err := filepath.Rel(root, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("監視ディレクトリの外のパスです: %s", path)
		}

		// 拡張子を取り除いたスラッシュ区切りの相対パスにする
		rel = strings.TrimSuffix(rel, filepath.Ext(rel))
		slug := filepath.ToSlash(rel)

		// indexファイルはディレクトリURLとして公開される
		if slug == "index" {
			return base + "/", nil
		}
		if strings.HasSuffix(slug, "/index") {
			return base + "/" + strings.TrimSuffix(slug, "index"), nil
		}

		return base + "/" + slug, nil
	}, nil
}
