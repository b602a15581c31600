package kacherycas

import (
	"os"
	"path/filepath"

	"github.com/kacheryhub/kachery-daemon/internal/hashutil"
)

// layout centralizes the bit-exact on-disk paths required by spec.md §6:
//
//	<base>/sha1/aa/bb/cc/<40-hex-sha1>
//	<base>/sha1/aa/bb/cc/<40-hex-sha1>.link   (sidecar: points elsewhere)
//	<base>/sha1-trash/aa/bb/cc/<40-hex-sha1>
//	<base>/tmp/                                (scratch for atomic installs)
type layout struct {
	base string
}

func newLayout(base string) layout { return layout{base: base} }

func (l layout) contentPath(sha1Hex string) string {
	aa, bb, cc := hashutil.PrefixPath(sha1Hex)
	return filepath.Join(l.base, "sha1", aa, bb, cc, sha1Hex)
}

func (l layout) linkPath(sha1Hex string) string {
	return l.contentPath(sha1Hex) + ".link"
}

func (l layout) trashPath(sha1Hex string) string {
	aa, bb, cc := hashutil.PrefixPath(sha1Hex)
	return filepath.Join(l.base, "sha1-trash", aa, bb, cc, sha1Hex)
}

func (l layout) tmpDir() string {
	return filepath.Join(l.base, "tmp")
}

func (l layout) ensureDirs() error {
	for _, d := range []string{
		filepath.Join(l.base, "sha1"),
		filepath.Join(l.base, "sha1-trash"),
		l.tmpDir(),
	} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}
