package fsutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"deghost/internal/arena"
	"deghost/internal/composite"
)

// ManifestName is the optional sidecar describing a burst directory.
const ManifestName = "burst.json"

var frameExts = map[string]arena.Kind{
	".jpg":  arena.KindJPEG,
	".jpeg": arena.KindJPEG,
	".nv21": arena.KindNV21,
	".yuv":  arena.KindNV21,
}

// Manifest carries what cannot be read from the frames themselves. NV21
// bursts need it for their dimensions.
type Manifest struct {
	Width  int   `json:"width"`
	Height int   `json:"height"`
	Angle  *int  `json:"angle,omitempty"`
	Order  []int `json:"order,omitempty"`
}

// Burst is a directory of frames loaded into memory.
type Burst struct {
	Dir      string
	Files    []string
	Frames   []arena.FrameBuffer
	Size     composite.Size
	Manifest *Manifest
}

// FrameKind reports the encoding of a frame file by extension.
func FrameKind(name string) (arena.Kind, bool) {
	k, ok := frameExts[strings.ToLower(filepath.Ext(name))]
	return k, ok
}

// IsFrameFile checks if a file looks like a burst frame.
func IsFrameFile(name string) bool {
	_, ok := FrameKind(name)
	return ok
}

// ListFrames returns the frame files directly inside dir, sorted by name.
func ListFrames(fsys afero.Fs, dir string) ([]string, error) {
	entries, err := afero.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !IsFrameFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// ListBursts returns the subdirectories of root that contain frames.
func ListBursts(fsys afero.Fs, root string) ([]string, error) {
	entries, err := afero.ReadDir(fsys, root)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if files, err := ListFrames(fsys, dir); err == nil && len(files) > 0 {
			dirs = append(dirs, dir)
		}
	}
	return dirs, nil
}

// LoadBurst reads every frame in dir. The size comes from the manifest when
// present, otherwise from the first JPEG header.
func LoadBurst(fsys afero.Fs, dir string) (*Burst, error) {
	files, err := ListFrames(fsys, dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no frames in %s", dir)
	}

	b := &Burst{Dir: dir, Files: files}
	if m, err := readManifest(fsys, dir); err != nil {
		return nil, err
	} else if m != nil {
		b.Manifest = m
		b.Size = composite.Size{W: m.Width, H: m.Height}
	}

	for _, f := range files {
		kind, _ := FrameKind(f)
		data, err := afero.ReadFile(fsys, f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		b.Frames = append(b.Frames, arena.FrameBuffer{Kind: kind, Data: data})
	}

	if !b.Size.Valid() {
		first := b.Frames[0]
		if first.Kind != arena.KindJPEG {
			return nil, fmt.Errorf("%s: nv21 frames need %s with width and height", dir, ManifestName)
		}
		cfg, _, err := image.DecodeConfig(bytes.NewReader(first.Data))
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", files[0], err)
		}
		b.Size = composite.Size{W: cfg.Width, H: cfg.Height}
	}
	return b, nil
}

func readManifest(fsys afero.Fs, dir string) (*Manifest, error) {
	data, err := afero.ReadFile(fsys, filepath.Join(dir, ManifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestName, err)
	}
	return &m, nil
}

// ArtifactWriter stores saved composites under Dir.
type ArtifactWriter struct {
	Fs  afero.Fs
	Dir string
}

// Write stores data as name inside the output directory and returns the
// final path. The file appears atomically.
func (w ArtifactWriter) Write(name string, data []byte) (string, error) {
	if err := w.Fs.MkdirAll(w.Dir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	final := filepath.Join(w.Dir, path.Base(name))
	tmp := final + ".tmp"
	if err := afero.WriteFile(w.Fs, tmp, data, 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := w.Fs.Rename(tmp, final); err != nil {
		_ = w.Fs.Remove(tmp)
		return "", fmt.Errorf("rename %s: %w", final, err)
	}
	return final, nil
}
