// Package archive stores finished conversation transcripts outside the live
// store, either in a local directory or an S3 bucket.
package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	xerrors "AutoTrader-Chain/internal/errors"
)

// ErrNotFound 表示归档对象不存在。
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "archive object not found")

// Archiver 写入与读取归档对象。Put 返回对象的位置描述。
type Archiver interface {
	Put(ctx context.Context, key string, body []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Local 把归档写入本地目录。
type Local struct {
	dir string
}

// NewLocal 创建目录归档。
func NewLocal(dir string) (*Local, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "archive dir 不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建归档目录失败")
	}
	return &Local{dir: dir}, nil
}

func (l *Local) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "archive key 不能为空")
	}
	return filepath.Join(l.dir, clean), nil
}

// Put 原子地写入文件。
func (l *Local) Put(_ context.Context, key string, body []byte) (string, error) {
	path, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建归档目录失败")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入归档失败")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入归档失败")
	}
	return "file://" + path, nil
}

// Get 读取归档文件。
func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取归档失败")
	}
	return body, nil
}

var _ Archiver = (*Local)(nil)
