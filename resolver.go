package main

import (
	"context"
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
)

var (
	ErrNotFound  = errors.New("resource not found")
	ErrForbidden = errors.New("resource forbidden")
)

// Resource is what a Resolver found for a request target.
type Resource struct {
	Body        []byte
	ContentType string
}

// Resolver maps a request target to a resource. Besides a plain error it
// reports ErrNotFound and ErrForbidden, possibly wrapped.
type Resolver interface {
	Resolve(ctx context.Context, target string, cfg *Config) (*Resource, error)
}

// FileResolver serves files below Config.WebRoot.
type FileResolver struct{}

func (FileResolver) Resolve(ctx context.Context, target string, cfg *Config) (*Resource, error) {
	rel, err := relativePath(target, cfg.BaseURI)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := filepath.Join(cfg.WebRoot, filepath.FromSlash(rel))
	info, err := os.Stat(name)
	if err != nil {
		return nil, classifyFSError(err)
	}
	if info.IsDir() {
		name, err = findIndex(name, cfg.DirectoryIndex)
		if err != nil {
			return nil, err
		}
	}

	body, err := os.ReadFile(name)
	if err != nil {
		return nil, classifyFSError(err)
	}
	return &Resource{
		Body:        body,
		ContentType: contentType(name, body),
	}, nil
}

// relativePath turns a request target into a slash-separated path relative
// to the web root. The result never climbs out of it.
func relativePath(target, baseURI string) (string, error) {
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	p, err := url.PathUnescape(target)
	if err != nil {
		return "", ErrNotFound
	}
	if strings.IndexByte(p, 0) >= 0 {
		return "", ErrForbidden
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrForbidden
		}
	}

	base := strings.TrimSuffix(baseURI, "/")
	if p != base && !strings.HasPrefix(p, base+"/") {
		return "", ErrNotFound
	}
	return strings.TrimPrefix(path.Clean("/"+p[len(base):]), "/"), nil
}

func findIndex(dir string, candidates []string) (string, error) {
	for _, c := range candidates {
		name := filepath.Join(dir, c)
		info, err := os.Stat(name)
		if err == nil && !info.IsDir() {
			return name, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", classifyFSError(err)
		}
	}
	return "", ErrNotFound
}

func classifyFSError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrForbidden
	}
	return err
}

func contentType(name string, body []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return http.DetectContentType(body)
}
