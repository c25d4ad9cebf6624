// Package manifest records sha256 digests of downloaded logs and their
// derived artifacts so a later copy can be checked against them.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"example.com/kolibri/internal/blackbox"
	"example.com/kolibri/internal/common"
)

const (
	TypeBlackbox = "blackbox"
	TypeJSON     = "json"
	TypePDF      = "pdf"
	TypeTraffic  = "traffic"
	TypeOther    = "other"
)

type Item struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Sha256 string `json:"sha256"`
	Type   string `json:"type"`
}

type Manifest struct {
	CreatedAt time.Time `json:"createdAt"`
	ShaAlgo   string    `json:"shaAlgo"`
	Items     []Item    `json:"items"`
}

// Mismatch is an item whose file no longer matches the manifest.
type Mismatch struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func Build(paths []string) (Manifest, error) {
	m := Manifest{CreatedAt: time.Now().UTC(), ShaAlgo: "sha256"}
	for _, p := range paths {
		hex, sz, err := common.Sha256OfFile(p)
		if err != nil {
			return m, fmt.Errorf("manifest %s: %w", p, err)
		}
		typ, err := detectType(p)
		if err != nil {
			return m, err
		}
		m.Items = append(m.Items, Item{Path: p, Size: sz, Sha256: hex, Type: typ})
	}
	return m, nil
}

// detectType prefers the blackbox magic over the extension so renamed logs
// are still recognized.
func detectType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	head := make([]byte, 8)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	if n == len(head) && bytes.Equal(head, blackbox.MagicBytes()) {
		return TypeBlackbox, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".kbb", ".bbl":
		return TypeBlackbox, nil
	case ".jsonl":
		return TypeTraffic, nil
	case ".json":
		return TypeJSON, nil
	case ".pdf":
		return TypePDF, nil
	}
	return TypeOther, nil
}

func Save(m Manifest, out string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return common.WriteFileAtomic(out, b)
}

func Load(path string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

// Verify rehashes every item. Relative item paths resolve against baseDir.
func Verify(m Manifest, baseDir string) ([]Mismatch, error) {
	var out []Mismatch
	for _, it := range m.Items {
		p := it.Path
		if !filepath.IsAbs(p) && baseDir != "" {
			p = filepath.Join(baseDir, p)
		}
		hex, sz, err := common.Sha256OfFile(p)
		switch {
		case os.IsNotExist(err):
			out = append(out, Mismatch{Path: it.Path, Reason: "missing"})
			continue
		case err != nil:
			return out, fmt.Errorf("verify %s: %w", it.Path, err)
		}
		if sz != it.Size {
			out = append(out, Mismatch{Path: it.Path, Reason: fmt.Sprintf("size %d, want %d", sz, it.Size)})
			continue
		}
		if !strings.EqualFold(hex, it.Sha256) {
			out = append(out, Mismatch{Path: it.Path, Reason: "sha256 differs"})
		}
	}
	return out, nil
}
