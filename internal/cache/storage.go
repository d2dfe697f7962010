package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gpupool/internal/common/fsutil"
	"gpupool/internal/poolerr"
)

// Component kinds.
const (
	KindBase    = "base"
	KindRefiner = "refiner"
	KindVAE     = "vae"
	KindEncoder = "encoder"
	KindLoRA    = "lora"
)

// weightExts are the file extensions treated as model weights.
var weightExts = map[string]bool{
	".safetensors": true,
	".ckpt":        true,
	".bin":         true,
	".pt":          true,
	".pth":         true,
}

// IsWeightFile reports whether name has a model weight extension.
func IsWeightFile(name string) bool { return weightExts[strings.ToLower(filepath.Ext(name))] }

// Storage is the backing store the cache loads components from.
type Storage interface {
	// Stat returns the size of the component at path.
	Stat(path string) (int64, error)
	// Read returns the full contents of path.
	Read(ctx context.Context, path string) ([]byte, error)
	// Discover lists the components of modelID.
	Discover(modelID string) ([]ComponentSpec, error)
}

// DirStorage reads components from a model directory on local disk.
//
// Layouts understood by Discover, for model id M under Root:
//
//	M.safetensors / M.ckpt          single-file checkpoint, kind base
//	M/*.safetensors                 weights directly in the model dir, kind base
//	M/unet/, M/vae/, M/refiner/,    diffusers-style component directories
//	M/text_encoder*/, M/lora/
type DirStorage struct {
	Root string
}

func (s DirStorage) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	root, err := fsutil.ExpandHome(s.Root)
	if err != nil {
		root = s.Root
	}
	return filepath.Join(root, path)
}

func (s DirStorage) Stat(path string) (int64, error) {
	fi, err := os.Stat(s.resolve(path))
	if err != nil {
		return 0, poolerr.Wrap(poolerr.KindStorage, "cache.stat", err)
	}
	if fi.IsDir() {
		return 0, poolerr.New(poolerr.KindStorage, "cache.stat", "%s is a directory", path)
	}
	return fi.Size(), nil
}

func (s DirStorage) Read(ctx context.Context, path string) ([]byte, error) {
	f, err := os.Open(s.resolve(path))
	if err != nil {
		return nil, poolerr.Wrap(poolerr.KindStorage, "cache.read", err)
	}
	defer f.Close()
	b, err := io.ReadAll(&ctxReader{ctx: ctx, r: f})
	if err != nil {
		return nil, poolerr.Wrap(poolerr.KindStorage, "cache.read", err)
	}
	return b, nil
}

// ctxReader aborts long reads once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func (s DirStorage) Discover(modelID string) ([]ComponentSpec, error) {
	if modelID == "" || strings.Contains(modelID, "..") {
		return nil, poolerr.InvalidRequest("cache.discover", "invalid model id %q", modelID)
	}
	for ext := range weightExts {
		p := modelID + ext
		if fi, err := os.Stat(s.resolve(p)); err == nil && !fi.IsDir() {
			return []ComponentSpec{{Kind: KindBase, Path: p}}, nil
		}
	}
	dir := s.resolve(modelID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, poolerr.Wrap(poolerr.KindStorage, "cache.discover", err)
	}
	var specs []ComponentSpec
	for _, e := range entries {
		if !e.IsDir() {
			if IsWeightFile(e.Name()) {
				specs = append(specs, ComponentSpec{Kind: KindBase, Path: filepath.Join(modelID, e.Name())})
			}
			continue
		}
		kind, ok := componentKind(e.Name())
		if !ok {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, poolerr.Wrap(poolerr.KindStorage, "cache.discover", err)
		}
		for _, f := range files {
			if !f.IsDir() && IsWeightFile(f.Name()) {
				specs = append(specs, ComponentSpec{Kind: kind, Path: filepath.Join(modelID, e.Name(), f.Name())})
			}
		}
	}
	if len(specs) == 0 {
		return nil, poolerr.New(poolerr.KindStorage, "cache.discover", "no weight files for model %q", modelID)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Path < specs[j].Path })
	return specs, nil
}

// componentKind maps a diffusers component directory to a cache kind.
func componentKind(dir string) (string, bool) {
	d := strings.ToLower(dir)
	switch {
	case d == "unet" || d == "transformer" || d == "base":
		return KindBase, true
	case d == "refiner":
		return KindRefiner, true
	case d == "vae":
		return KindVAE, true
	case strings.HasPrefix(d, "text_encoder"):
		return KindEncoder, true
	case d == "lora" || d == "loras":
		return KindLoRA, true
	}
	return "", false
}

// validate performs a cheap integrity check of a component buffer.
func validate(path string, b []byte) error {
	if len(b) == 0 {
		return poolerr.New(poolerr.KindStorage, "cache.validate", "%s is empty", path)
	}
	if strings.EqualFold(filepath.Ext(path), ".safetensors") {
		if len(b) < 9 {
			return poolerr.New(poolerr.KindStorage, "cache.validate", "%s: truncated safetensors header", path)
		}
		n := binary.LittleEndian.Uint64(b[:8])
		if n == 0 || n > uint64(len(b)-8) {
			return poolerr.New(poolerr.KindStorage, "cache.validate", "%s: header length %d out of range", path, n)
		}
		if b[8] != '{' {
			return poolerr.New(poolerr.KindStorage, "cache.validate", "%s: header is not a JSON object", path)
		}
	}
	return nil
}

// String implements fmt.Stringer for log output.
func (c ComponentSpec) String() string { return fmt.Sprintf("%s:%s", c.Kind, c.Path) }
