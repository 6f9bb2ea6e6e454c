package batch

import (
	"archive/zip"
	"os"
	"path/filepath"
	"sort"

	"github.com/postalworks/batchpress/pkg/errors"
)

// archiveEntry is one finished document destined for the job archive.
type archiveEntry struct {
	Name string
	Data []byte
}

// writeArchive writes the job's documents into a zip file at path,
// creating parent directories as needed. Entries are written in name
// order so the archive layout is deterministic. The file is staged under
// a temporary name and renamed into place, so a download handler can
// never observe a half-written archive.
func writeArchive(path string, entries []archiveEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeArchive, err, "create archive directory")
	}

	sorted := make([]archiveEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*")
	if err != nil {
		return errors.Wrap(errors.ErrCodeArchive, err, "create archive")
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	for _, e := range sorted {
		w, err := zw.Create(e.Name)
		if err != nil {
			_ = tmp.Close()
			return errors.Wrap(errors.ErrCodeArchive, err, "add %s", e.Name)
		}
		if _, err := w.Write(e.Data); err != nil {
			_ = tmp.Close()
			return errors.Wrap(errors.ErrCodeArchive, err, "write %s", e.Name)
		}
	}
	if err := zw.Close(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(errors.ErrCodeArchive, err, "finalize archive")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(errors.ErrCodeArchive, err, "close archive")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(errors.ErrCodeArchive, err, "publish archive")
	}
	return nil
}
