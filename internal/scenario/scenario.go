// Package scenario resolves workload names to WorkloadSpecs stored as YAML
// files in a directory, one file per scenario.
package scenario

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/animus-labs/rangekeeper/internal/domain"
	"gopkg.in/yaml.v3"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

var extensions = []string{".yaml", ".yml"}

type Repository struct {
	fsys fs.FS
}

// NewRepository serves scenarios from dir.
func NewRepository(dir string) (*Repository, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("scenario directory is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("scenario directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scenario directory %s is not a directory", dir)
	}
	return NewRepositoryFS(os.DirFS(dir)), nil
}

func NewRepositoryFS(fsys fs.FS) *Repository {
	return &Repository{fsys: fsys}
}

// Resolve rejects anything that is not a bare scenario name before touching
// the filesystem. The returned Ref pins the content that was resolved.
func (r *Repository) Resolve(name string) (domain.WorkloadSpec, error) {
	if !namePattern.MatchString(name) {
		return domain.WorkloadSpec{}, domain.Validationf("invalid scenario name %q", name)
	}

	for _, ext := range extensions {
		file := name + ext
		data, err := fs.ReadFile(r.fsys, file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return domain.WorkloadSpec{}, fmt.Errorf("read scenario %s: %w", file, err)
		}
		return decode(name, file, data)
	}
	return domain.WorkloadSpec{}, fmt.Errorf("%w: scenario %q", domain.ErrNotFound, name)
}

// Names lists every scenario the repository can resolve.
func (r *Repository) Names() ([]string, error) {
	entries, err := fs.ReadDir(r.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("list scenarios: %w", err)
	}
	out := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		for _, ext := range extensions {
			name, ok := strings.CutSuffix(entry.Name(), ext)
			if !ok || !namePattern.MatchString(name) {
				continue
			}
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				out = append(out, name)
			}
		}
	}
	return out, nil
}

func decode(name, file string, data []byte) (domain.WorkloadSpec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var spec domain.WorkloadSpec
	if err := dec.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.WorkloadSpec{}, fmt.Errorf("scenario %s is empty", file)
		}
		return domain.WorkloadSpec{}, fmt.Errorf("decode scenario %s: %w", file, err)
	}
	if spec.Name == "" {
		spec.Name = name
	}
	if spec.Name != name {
		return domain.WorkloadSpec{}, fmt.Errorf("scenario %s declares name %q", file, spec.Name)
	}
	if err := spec.Validate(); err != nil {
		return domain.WorkloadSpec{}, fmt.Errorf("scenario %s: %w", file, err)
	}

	sum := sha256.Sum256(data)
	spec.Ref = file + "@sha256:" + hex.EncodeToString(sum[:])
	return spec, nil
}
