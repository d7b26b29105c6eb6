//go:build linux
// +build linux

package collect

import (
	"os"
	"slices"
	"strconv"
	"strings"
)

// hugePageDir lists one hugepages-<N>kB directory per huge page size the
// kernel offers.
const hugePageDir = "/sys/kernel/mm/hugepages"

// HugePageSizes returns the huge page sizes, in bytes, the kernel offers,
// smallest first.
func HugePageSizes() ([]int, error) {
	return hugePageSizesIn(hugePageDir)
}

func hugePageSizesIn(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var sizes []int
	for _, e := range entries {
		if size, ok := parseHugePageDir(e.Name()); ok {
			sizes = append(sizes, size)
		}
	}
	slices.Sort(sizes)
	return sizes, nil
}

// parseHugePageDir extracts the size from a name like "hugepages-2048kB".
func parseHugePageDir(name string) (int, bool) {
	s, ok := strings.CutPrefix(name, "hugepages-")
	if !ok {
		return 0, false
	}
	s, ok = strings.CutSuffix(s, "kB")
	if !ok {
		return 0, false
	}
	kb, err := strconv.Atoi(s)
	if err != nil || kb <= 0 {
		return 0, false
	}
	return kb * 1024, true
}
