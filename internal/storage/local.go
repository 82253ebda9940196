// Package storage はアップロード画像と生成画像を保存するローカルストレージを提供します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

const lockFilename = ".lock"

var (
	// ErrInvalidKey はキーがルート外を指す、または空の場合に返されます。
	ErrInvalidKey = errors.New("invalid storage key")
	// ErrLocked は別プロセスがデータディレクトリを使用中の場合に返されます。
	ErrLocked = errors.New("data directory is locked by another process")
)

// Local はルートディレクトリ配下にキー単位でファイルを保存します。
// キーは "uploads/<name>" や "outputs/<name>" のようなスラッシュ区切りの相対パスです。
type Local struct {
	root string
	lock *flock.Flock
}

// NewLocal はルートディレクトリを作成して Local を返します。
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Local{
		root: abs,
		lock: flock.New(filepath.Join(abs, lockFilename)),
	}, nil
}

// Root はルートディレクトリの絶対パスを返します。
func (l *Local) Root() string {
	return l.root
}

// Lock はデータディレクトリの排他ロックを取得します。
// ジョブテーブルを所有するプロセスを1つに限定するために使用します。
func (l *Local) Lock() error {
	ok, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Unlock は Lock で取得したロックを解放します。
func (l *Local) Unlock() error {
	return l.lock.Unlock()
}

// Save は data を一時ファイルへ書き込み、fsync 後にリネームして確定させます。
func (l *Local) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := l.resolve(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		return fmt.Errorf("chmod %s: %w", key, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("rename %s: %w", key, err)
	}
	committed = true
	return nil
}

// Load はキーに対応するファイルを読み込みます。存在しない場合は fs.ErrNotExist を包んだエラーを返します。
func (l *Local) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Delete はキーに対応するファイルを削除します。既に存在しない場合は何もしません。
func (l *Local) Delete(ctx context.Context, key string) error {
	p, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Open はダウンロード用にファイルを開きます。
func (l *Local) Open(key string) (*os.File, os.FileInfo, error) {
	p, err := l.resolve(key)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(p)
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return file, info, nil
}

func (l *Local) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	cleaned := path.Clean(key)
	if path.IsAbs(cleaned) || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == lockFilename {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(l.root, filepath.FromSlash(cleaned)), nil
}
