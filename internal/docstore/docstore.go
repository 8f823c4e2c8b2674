// Package docstore is the engine's view of the document store collaborator.
// The engine only needs save and get; the default implementation keeps
// markdown files with a small front-matter header under the data directory.
package docstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mpataki/foreman/internal/ident"
	"gopkg.in/yaml.v3"
)

type Store interface {
	Save(content string, meta Metadata) (string, error)
	Get(id string) (string, error)
}

type Metadata struct {
	Title     string    `yaml:"title"`
	RecordID  string    `yaml:"record_id,omitempty"`
	GroupID   string    `yaml:"group_id,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (f *FileStore) Save(content string, meta Metadata) (string, error) {
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	id := ident.New()

	header, err := yaml.Marshal(meta)
	if err != nil {
		return "", err
	}

	doc := "---\n" + string(header) + "---\n\n" + content
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(f.path(id), []byte(doc), 0644); err != nil {
		return "", err
	}
	return id, nil
}

func (f *FileStore) Get(id string) (string, error) {
	data, err := os.ReadFile(f.path(id))
	if err != nil {
		return "", fmt.Errorf("document %s: %w", id, err)
	}

	// Strip the front-matter header if present.
	s := string(data)
	if strings.HasPrefix(s, "---\n") {
		if idx := strings.Index(s[4:], "\n---\n"); idx >= 0 {
			s = strings.TrimLeft(s[4+idx+5:], "\n")
		}
	}
	return s, nil
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".md")
}
