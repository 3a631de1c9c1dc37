package bucket

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// -----------------------------------------------------------------------------
// Filesystem Bucket
// -----------------------------------------------------------------------------

// fsBucket implements Bucket using the local filesystem.
type fsBucket struct {
	root string
}

// NewFS creates a filesystem-backed Bucket rooted at the given directory.
// The directory must exist. Keys map to slash-separated paths below root.
//
// ETags are derived from file size and modification time.
func NewFS(root string) (Bucket, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, os.ErrNotExist
	}
	return &fsBucket{root: root}, nil
}

func (f *fsBucket) Head(_ context.Context, key string) (ObjectInfo, error) {
	fullPath, err := f.safePath(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, ErrNotFound
		}
		return ObjectInfo{}, err
	}
	if info.IsDir() {
		return ObjectInfo{}, ErrNotFound
	}
	return fileInfo(info), nil
}

func (f *fsBucket) Get(_ context.Context, key string, opts GetOptions) (*Object, error) {
	fullPath, err := f.safePath(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		closer(file)()
		return nil, err
	}
	if info.IsDir() {
		closer(file)()
		return nil, ErrNotFound
	}

	obj := &Object{ObjectInfo: fileInfo(info), Body: file}
	if opts.Range != nil {
		offset, length := clampRange(*opts.Range, info.Size())
		obj.Body = readCloser{
			Reader: io.NewSectionReader(file, offset, length),
			Closer: file,
		}
	}
	return obj, nil
}

func (f *fsBucket) safePath(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || key == "" {
		return "", ErrInvalidKey
	}
	cleaned = strings.TrimPrefix(cleaned, string(filepath.Separator))
	if cleaned == "" || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}

	fullPath := filepath.Join(f.root, cleaned)

	absRoot, err := filepath.Abs(f.root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", err
	}

	if !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}

	return fullPath, nil
}

func fileInfo(info os.FileInfo) ObjectInfo {
	return ObjectInfo{
		ETag: fmt.Sprintf(`"%x-%x"`, info.ModTime().UnixNano(), info.Size()),
		Size: info.Size(),
	}
}

// -----------------------------------------------------------------------------
// Memory Bucket
// -----------------------------------------------------------------------------

// Memory implements Bucket using an in-memory map.
// Memory is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data []byte
	etag string
}

// NewMemory creates an empty in-memory bucket.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]memoryObject),
	}
}

// Put stores a copy of value under key, replacing any existing object.
func (m *Memory) Put(key string, value []byte) error {
	normalized, valid := normalizeKey(key)
	if !valid {
		return ErrInvalidKey
	}

	data := make([]byte, len(value))
	copy(data, value)
	sum := sha256.Sum256(data)

	m.mu.Lock()
	m.objects[normalized] = memoryObject{
		data: data,
		etag: `"` + hex.EncodeToString(sum[:16]) + `"`,
	}
	m.mu.Unlock()

	return nil
}

// Delete removes the object stored under key, if any.
func (m *Memory) Delete(key string) {
	normalized, valid := normalizeKey(key)
	if !valid {
		return
	}
	m.mu.Lock()
	delete(m.objects, normalized)
	m.mu.Unlock()
}

// Clear removes every object.
func (m *Memory) Clear() {
	m.mu.Lock()
	m.objects = make(map[string]memoryObject)
	m.mu.Unlock()
}

func (m *Memory) Head(_ context.Context, key string) (ObjectInfo, error) {
	obj, err := m.lookup(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	return obj.info(), nil
}

func (m *Memory) Get(_ context.Context, key string, opts GetOptions) (*Object, error) {
	obj, err := m.lookup(key)
	if err != nil {
		return nil, err
	}

	data := obj.data
	if opts.Range != nil {
		offset, length := clampRange(*opts.Range, int64(len(data)))
		data = data[offset : offset+length]
	}

	return &Object{
		ObjectInfo: obj.info(),
		Body:       io.NopCloser(bytes.NewReader(data)),
	}, nil
}

func (m *Memory) lookup(key string) (memoryObject, error) {
	normalized, valid := normalizeKey(key)
	if !valid {
		return memoryObject{}, ErrInvalidKey
	}

	m.mu.RLock()
	obj, exists := m.objects[normalized]
	m.mu.RUnlock()

	if !exists {
		return memoryObject{}, ErrNotFound
	}
	return obj, nil
}

func (o memoryObject) info() ObjectInfo {
	return ObjectInfo{ETag: o.etag, Size: int64(len(o.data))}
}

func normalizeKey(key string) (string, bool) {
	if key == "" {
		return "", false
	}

	cleaned := filepath.Clean(key)
	cleaned = filepath.ToSlash(cleaned)
	cleaned = strings.TrimPrefix(cleaned, "/")

	if cleaned == "" || cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == "." {
		return "", false
	}

	return cleaned, true
}

// clampRange bounds r to an object of the given size. Offsets beyond the end
// yield an empty range.
func clampRange(r ObjectRange, size int64) (offset, length int64) {
	offset = min(max(r.Offset, 0), size)
	length = min(max(r.Length, 0), size-offset)
	return offset, length
}

// readCloser pairs a limited reader with the closer of the underlying source.
type readCloser struct {
	io.Reader
	io.Closer
}
