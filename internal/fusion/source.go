// Package fusion combines per-source displacement and confidence estimates
// into one correction per frame and bakes the result into a sidecar bundle.
package fusion

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Source is one estimator's output tree, addressed by its flow directory:
//
//	<root>/flows/000012.npy   (H, W, 2) displacement
//	<root>/conf/000012.npy    (H, W) or (H, W, 1) confidence
//	<root>/meta.json          optional, copied into the bundle metadata
type Source struct {
	FlowDir string
	Module  string
}

// NewSource resolves flowDir and derives the module name from it.
func NewSource(flowDir string) (Source, error) {
	abs, err := filepath.Abs(flowDir)
	if err != nil {
		return Source{}, err
	}
	return Source{FlowDir: abs, Module: ModuleName(abs)}, nil
}

// NewSources is NewSource over a list of directories.
func NewSources(flowDirs []string) ([]Source, error) {
	out := make([]Source, 0, len(flowDirs))
	for _, d := range flowDirs {
		s, err := NewSource(d)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", d, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// ModuleName names a source after its directory. A directory called
// "flows" (any case) takes its parent's name.
func ModuleName(flowDir string) string {
	clean := filepath.Clean(flowDir)
	base := filepath.Base(clean)
	if strings.EqualFold(base, "flows") {
		return filepath.Base(filepath.Dir(clean))
	}
	return base
}

// Exists reports whether the flow directory is present.
func (s Source) Exists() bool {
	info, err := os.Stat(s.FlowDir)
	return err == nil && info.IsDir()
}

// FlowPath is the displacement file for frame i.
func (s Source) FlowPath(i int) string {
	return filepath.Join(s.FlowDir, frameFile(i))
}

// MetaPath is the optional per-source metadata document.
func (s Source) MetaPath() string {
	return filepath.Join(filepath.Dir(s.FlowDir), "meta.json")
}

// ConfidencePath returns the first existing confidence file for frame i,
// searching <root>/conf, <root>/conf/<flow dir name>, then <flow dir>/conf.
func (s Source) ConfidencePath(i int) (string, bool) {
	parent := filepath.Dir(s.FlowDir)
	name := frameFile(i)
	for _, cand := range []string{
		filepath.Join(parent, "conf", name),
		filepath.Join(parent, "conf", filepath.Base(s.FlowDir), name),
		filepath.Join(s.FlowDir, "conf", name),
	} {
		if fileExists(cand) {
			return cand, true
		}
	}
	return "", false
}

// DiscoverFrameIndices returns the sorted, unique frame indices for which
// at least one source has a displacement file. Missing directories and
// files whose stem is not an integer are ignored.
func DiscoverFrameIndices(sources []Source) ([]int, error) {
	seen := make(map[int]struct{})
	for _, s := range sources {
		entries, err := os.ReadDir(s.FlowDir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("scan %s: %w", s.FlowDir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".npy") {
				continue
			}
			i, err := strconv.Atoi(strings.TrimSuffix(name, ".npy"))
			if err != nil {
				continue
			}
			seen[i] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

func frameFile(i int) string {
	return fmt.Sprintf("%06d.npy", i)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
