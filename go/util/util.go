// Package util contains small shared helpers.
package util

import (
	"io"
	"os"
	"path/filepath"

	"go.climref.org/infra/go/skerr"
)

// In returns true if the given string is present in the slice.
func In(s string, a []string) bool {
	for _, x := range a {
		if x == s {
			return true
		}
	}
	return false
}

// CopyFile copies the file at src to dst, creating parent directories as
// needed. The destination file's permissions match the source.
func CopyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return skerr.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return skerr.Wrap(err)
	}
	in, err := os.Open(src)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer func() {
		_ = in.Close()
	}()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return skerr.Wrap(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return skerr.Wrap(err)
	}
	return skerr.Wrap(out.Close())
}

// WithWriteFile writes a file atomically: the writer callback writes to a
// temp file in the same directory which is renamed into place on success.
func WithWriteFile(path string, write func(w io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return skerr.Wrap(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return skerr.Wrap(err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return skerr.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(os.Rename(tmp.Name(), path))
}

// Truncate returns the given string shortened to at most n runes, with an
// ellipsis if it was truncated.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
