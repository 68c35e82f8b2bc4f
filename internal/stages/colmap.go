package stages

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ModelStats summarises a sparse model exported as text.
type ModelStats struct {
	Cameras int64
	Images  int64
	Points  int64
}

// ReadModelStats reads counts from cameras.txt, images.txt and points3D.txt in
// dir. Counts come from the "# Number of ..." header comments COLMAP writes;
// files without them are counted by line.
func ReadModelStats(dir string) (ModelStats, error) {
	var stats ModelStats
	var err error

	if stats.Cameras, err = countEntries(filepath.Join(dir, "cameras.txt"), "# Number of cameras:", 1); err != nil {
		return stats, err
	}
	// images.txt has two lines per image; the second may be empty.
	if stats.Images, err = countEntries(filepath.Join(dir, "images.txt"), "# Number of images:", 2); err != nil {
		return stats, err
	}
	if stats.Points, err = countEntries(filepath.Join(dir, "points3D.txt"), "# Number of points:", 1); err != nil {
		return stats, err
	}
	return stats, nil
}

// countEntries returns the count announced after prefix, or the number of
// non-comment lines divided by linesPerEntry.
func countEntries(path, prefix string, linesPerEntry int) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var lines int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			if n, ok := headerCount(line, prefix); ok {
				return n, nil
			}
			continue
		}
		if linesPerEntry == 1 && strings.TrimSpace(line) == "" {
			continue
		}
		lines++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return (lines + int64(linesPerEntry) - 1) / int64(linesPerEntry), nil
}

// headerCount parses "# Number of images: 20, mean observations per image: 512".
func headerCount(line, prefix string) (int64, bool) {
	rest, ok := strings.CutPrefix(line, prefix)
	if !ok {
		return 0, false
	}
	value, _, _ := strings.Cut(rest, ",")
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	return n, err == nil
}
