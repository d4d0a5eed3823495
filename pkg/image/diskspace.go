package image

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"
)

// largestFileCount is how many files the out-of-space diagnostic lists.
const largestFileCount = 5

// isNoSpace reports whether err carries an out-of-space signature.
func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

// diagnoseDiskSpace logs filesystem usage and the largest files in dir.
// Called when a download or decompression hits ENOSPC, before the error
// propagates; it never swallows the failure.
func (d *Downloader) diagnoseDiskSpace(dir string) {
	log := d.log.WithField("dir", dir)

	if usage, err := disk.Usage(dir); err == nil {
		log.WithFields(logrus.Fields{
			"total_bytes": usage.Total,
			"free_bytes":  usage.Free,
			"used_pct":    usage.UsedPercent,
		}).Error("Out of disk space")
	} else {
		log.Error("Out of disk space")
	}

	for _, f := range largestFiles(dir, largestFileCount) {
		log.WithFields(logrus.Fields{
			"file":  f.name,
			"bytes": f.size,
		}).Warn("Large file in target directory")
	}
}

type fileSize struct {
	name string
	size int64
}

// largestFiles returns the n biggest regular files directly under dir.
func largestFiles(dir string, n int) []fileSize {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	files := make([]fileSize, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}

		files = append(files, fileSize{
			name: filepath.Join(dir, e.Name()),
			size: info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].size > files[j].size
	})

	if len(files) > n {
		files = files[:n]
	}

	return files
}
