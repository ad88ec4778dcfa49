package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/procorch/internal/domain"
)

// DefaultDir — каталог отчётов по умолчанию.
const DefaultDir = "reports"

// FileStore пишет отчёты JSON-файлами <process>_<YYYYmmdd_HHMMSS>.json.
type FileStore struct {
	Dir string
}

// NewFileStore создаёт FileStore. Пустой dir — DefaultDir.
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = DefaultDir
	}
	return &FileStore{Dir: dir}
}

// FileName возвращает имя файла отчёта.
func FileName(r *domain.Report) string {
	return fmt.Sprintf("%s_%s.json", r.Process, r.Timestamp.Format("20060102_150405"))
}

// Path возвращает путь, по которому будет записан отчёт.
func (s *FileStore) Path(r *domain.Report) string {
	return filepath.Join(s.Dir, FileName(r))
}

// Save реализует Store.
func (s *FileStore) Save(_ context.Context, r *domain.Report) error {
	_, err := s.Write(r)
	return err
}

// Write атомарно записывает отчёт (временный файл + rename)
// и возвращает путь к нему. Если файл с таким именем уже есть
// (два run в одну секунду), к имени добавляется префикс execution id.
func (s *FileStore) Write(r *domain.Report) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}

	path := s.Path(r)
	if _, err := os.Stat(path); err == nil {
		path = filepath.Join(s.Dir, fmt.Sprintf("%s_%s_%s.json",
			r.Process, r.Timestamp.Format("20060102_150405"), r.ExecutionID.String()[:8]))
	}

	tmp, err := os.CreateTemp(s.Dir, ".report-*.json")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename report: %w", err)
	}
	return path, nil
}

// MultiStore сохраняет отчёт во все хранилища параллельно.
// Сбой одного хранилища не мешает остальным; ошибки объединяются.
type MultiStore []Store

// Save реализует Store.
func (m MultiStore) Save(ctx context.Context, r *domain.Report) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)

	for _, s := range m {
		if s == nil {
			continue
		}
		g.Go(func() error {
			if err := s.Save(ctx, r); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}
