package openseal

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// RootHashDir computes a provider's code identity: a BLAKE3 digest over
// every regular file below dir, in sorted slash-separated path order. Each
// path and each file body is length-prefixed so boundaries are unambiguous.
// Entries whose base name starts with "." are skipped.
func RootHashDir(dir string) (string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			paths = append(paths, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk %s: %w", dir, err)
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("no files under %s", dir)
	}
	sort.Strings(paths)

	h := blake3.New()
	var lenBuf [8]byte
	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", rel, err)
		}
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(rel)))
		h.Write(lenBuf[:])   //nolint:errcheck
		h.Write([]byte(rel)) //nolint:errcheck
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(data)))
		h.Write(lenBuf[:]) //nolint:errcheck
		h.Write(data)      //nolint:errcheck
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
