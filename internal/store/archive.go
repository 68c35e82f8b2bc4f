package store

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Archive writes the stage directory as a tar.gz to dest. Entry names are
// relative to the stage directory. When dest lies inside the stage directory
// it is left out of the archive.
func (s *Store) Archive(ctx context.Context, stage, dest string) error {
	srcDir := s.Dir(stage)
	info, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", srcDir)
	}

	outFile, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	if err := archiveDir(ctx, tarWriter, srcDir, dest); err != nil {
		return err
	}
	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return outFile.Close()
}

func archiveDir(ctx context.Context, tw *tar.Writer, srcDir, skip string) error {
	skip, _ = filepath.Abs(skip)

	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		if abs, _ := filepath.Abs(path); abs == skip {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("failed to create tar header: %w", err)
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}
		if info.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		defer file.Close()

		if _, err := io.Copy(tw, file); err != nil {
			return fmt.Errorf("failed to write file to tar: %w", err)
		}
		return nil
	})
}
