// Package registry discovers image-generation models under the model directory.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gpupool/internal/cache"
	"gpupool/internal/common/fsutil"
	"gpupool/pkg/types"
)

// Model kinds used for placement requirements.
const (
	KindSDXL    = "sdxl"
	KindSD15    = "sd15"
	KindRefiner = "refiner"
	KindVAE     = "vae"
	KindFlux    = "flux"
	KindSD      = "sd"
)

// Scanner discovers models in a directory.
type Scanner interface {
	Scan(dir string) ([]types.Model, error)
}

// DirScanner implements Scanner for a model directory holding either
// single-file checkpoints (model.safetensors, model.ckpt) or diffusers-style
// model directories.
type DirScanner struct{}

func NewDirScanner() *DirScanner { return &DirScanner{} }

// Scan lists models in dir. The model id is the file stem or directory name.
// Directories with no weight files are skipped; hidden entries are ignored.
func (s *DirScanner) Scan(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	seen := make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		p := filepath.Join(abs, name)
		var m types.Model
		if e.IsDir() {
			size, err := fsutil.SizeOf(p, cache.IsWeightFile)
			if err != nil || size == 0 {
				continue
			}
			m = types.Model{ID: name, Name: name, Path: p, Format: "diffusers", SizeBytes: size}
		} else {
			if !cache.IsWeightFile(name) {
				continue
			}
			id := strings.TrimSuffix(name, filepath.Ext(name))
			fi, err := e.Info()
			if err != nil {
				continue
			}
			m = types.Model{ID: id, Name: id, Path: p, Format: "checkpoint", SizeBytes: fi.Size()}
		}
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		m.Kind = InferKind(m.ID)
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// LoadDir is a convenience wrapper around DirScanner.Scan.
func LoadDir(dir string) ([]types.Model, error) { return NewDirScanner().Scan(dir) }

// InferKind guesses the model family from its id.
func InferKind(id string) string {
	s := strings.ToLower(id)
	switch {
	case strings.Contains(s, "refiner"):
		return KindRefiner
	case strings.Contains(s, "vae"):
		return KindVAE
	case strings.Contains(s, "flux"):
		return KindFlux
	case strings.Contains(s, "sdxl") || strings.Contains(s, "xl"):
		return KindSDXL
	case strings.Contains(s, "sd15") || strings.Contains(s, "v1-5") || strings.Contains(s, "1.5"):
		return KindSD15
	}
	return KindSD
}

// Find returns the model with id from models.
func Find(models []types.Model, id string) (types.Model, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	return types.Model{}, false
}
