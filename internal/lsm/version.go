package lsm

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/nconghau/lsmkv/internal/storage"
	"github.com/pkg/errors"
)

const manifestFileName = "MANIFEST"

// manifest is the persisted form of a Version.
type manifest struct {
	// Levels lists table numbers per level, newest first.
	Levels      [][]uint64 `json:"levels"`
	NextFileNum uint64     `json:"nextFileNum"`
}

// Version đại diện cho một snapshot (ảnh chụp) bất biến
// của trạng thái LSM-Tree. Levels[i] is newest first.
type Version struct {
	Levels [][]*Table
}

// NewVersion tạo một Version rỗng
func NewVersion(levels int) *Version {
	return &Version{Levels: make([][]*Table, levels)}
}

func (v *Version) clone() *Version {
	nv := &Version{Levels: make([][]*Table, len(v.Levels))}
	for i, l := range v.Levels {
		nv.Levels[i] = append([]*Table(nil), l...)
	}
	return nv
}

// withFlushed returns a Version with t as the newest level-0 table.
func (v *Version) withFlushed(t *Table) *Version {
	nv := v.clone()
	nv.Levels[0] = append([]*Table{t}, nv.Levels[0]...)
	return nv
}

// withCompaction replaces the oldest len(inputs) tables of level with out.
// out lands at the front of level+1, or at the back of level for the last
// level. A nil out (everything dropped) just removes the inputs.
func (v *Version) withCompaction(level int, inputs []*Table, out *Table) *Version {
	nv := v.clone()
	drop := make(map[*Table]struct{}, len(inputs))
	for _, t := range inputs {
		drop[t] = struct{}{}
	}
	keep := nv.Levels[level][:0]
	for _, t := range nv.Levels[level] {
		if _, ok := drop[t]; !ok {
			keep = append(keep, t)
		}
	}
	nv.Levels[level] = keep
	if out == nil {
		return nv
	}
	if level == len(nv.Levels)-1 {
		nv.Levels[level] = append(nv.Levels[level], out)
	} else {
		nv.Levels[level+1] = append([]*Table{out}, nv.Levels[level+1]...)
	}
	return nv
}

// Tables returns every table, newest first across levels.
func (v *Version) Tables() []*Table {
	var out []*Table
	for _, l := range v.Levels {
		out = append(out, l...)
	}
	return out
}

func (v *Version) TableCount() int {
	n := 0
	for _, l := range v.Levels {
		n += len(l)
	}
	return n
}

func (v *Version) toManifest(next uint64) manifest {
	m := manifest{Levels: make([][]uint64, len(v.Levels)), NextFileNum: next}
	for i, l := range v.Levels {
		m.Levels[i] = make([]uint64, len(l))
		for j, t := range l {
			m.Levels[i][j] = t.Num
		}
	}
	return m
}

// --- Quản lý Manifest ---

// loadManifest đọc tệp MANIFEST. A missing file yields an empty manifest.
func loadManifest(dir string) (manifest, error) {
	var m manifest
	b, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil // Không tìm thấy, tạo mới
		}
		return m, errors.Wrap(err, "read manifest")
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, errors.Wrapf(ErrCorruption, "manifest: %v", err)
	}
	return m, nil
}

// saveManifest ghi đè tệp MANIFEST (atomic rename).
func saveManifest(dir string, v *Version, next uint64) error {
	b, err := json.MarshalIndent(v.toManifest(next), "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode manifest")
	}
	return errors.Wrap(storage.WriteFileAtomic(filepath.Join(dir, manifestFileName), b), "save manifest")
}
