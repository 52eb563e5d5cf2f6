// Package assets serves the chat page and its static files.
package assets

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"
)

//go:embed web
var webFS embed.FS

var ErrNotFound = errors.New("asset not found")

type Asset struct {
	Name        string
	ContentType string
	ModTime     time.Time
	Body        []byte
}

// Store resolves request paths to assets.
type Store interface {
	Open(ctx context.Context, name string) (*Asset, error)
}

// FSStore is a Store backed by an fs.FS.
type FSStore struct {
	fsys fs.FS
}

func NewFSStore(fsys fs.FS) *FSStore {
	return &FSStore{fsys: fsys}
}

// Embedded returns a store over the assets compiled into the binary.
func Embedded() *FSStore {
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		panic(fmt.Sprintf("embedded assets: %v", err))
	}
	return NewFSStore(sub)
}

func (s *FSStore) Open(ctx context.Context, name string) (*Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	if clean == "" || !fs.ValidPath(clean) {
		return nil, ErrNotFound
	}

	info, err := fs.Stat(s.fsys, clean)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat asset %s: %w", clean, err)
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	body, err := fs.ReadFile(s.fsys, clean)
	if err != nil {
		return nil, fmt.Errorf("read asset %s: %w", clean, err)
	}

	return &Asset{
		Name:        clean,
		ContentType: contentType(clean, body),
		ModTime:     info.ModTime(),
		Body:        body,
	}, nil
}

func contentType(name string, body []byte) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return http.DetectContentType(body)
}
