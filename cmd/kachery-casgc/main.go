// Command kachery-casgc runs one trash-GC pass (spec.md §4.4) over a CAS
// storage directory and exits. Grounded on the teacher's
// daemon/cmd/casgc (flag-parsed db path plus max-age, GC, print count),
// adapted from the teacher's BoltCAS to kacherycas.StorageManager's
// trash-then-GC directory layout.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/kacheryhub/kachery-daemon/internal/kacherycas"
)

func main() {
	storageDir := flag.String("storage-dir", "", "CAS storage directory (required)")
	maxAge := flag.Duration("max-age", 24*time.Hour, "remove trashed files older than this")
	flag.Parse()

	if *storageDir == "" {
		fmt.Fprintln(os.Stderr, "kachery-casgc: -storage-dir is required")
		os.Exit(1)
	}

	cas, err := kacherycas.New(*storageDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kachery-casgc: open storage dir: %v\n", err)
		os.Exit(1)
	}
	defer cas.Close()

	removed, err := cas.GCTrash(*maxAge)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kachery-casgc: GC failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("CAS trash GC removed %d file(s) older than %s\n", removed, maxAge.String())
}
