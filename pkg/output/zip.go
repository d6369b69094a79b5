package output

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// zipFiles bundles the named files (resolved under dir) into archivePath,
// skipping any that don't exist rather than failing the whole bundle.
func zipFiles(archivePath, dir string, names []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q", archivePath)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	for _, name := range names {
		srcPath := filepath.Join(dir, name)
		if err := addFileToZip(zw, srcPath, name); err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				continue
			}
			return err
		}
	}
	return nil
}

func addFileToZip(zw *zip.Writer, srcPath, nameInArchive string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrapf(err, "opening %q", srcPath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %q", srcPath)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return errors.Wrap(err, "building zip header")
	}
	header.Name = nameInArchive
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return errors.Wrap(err, "creating zip entry")
	}
	if _, err := io.Copy(w, f); err != nil {
		return errors.Wrapf(err, "copying %q into archive", srcPath)
	}
	return nil
}
