// Package sortfile parses gensquashfs --sort files: a list of path/priority
// pairs controlling the order file data is packed into an image. Files
// with a higher priority value (regardless of where they are listed) are
// submitted to the block processor first, which only affects packing locality - not the determinism
// invariants blockproc guarantees, since those hold regardless of
// submission order.
//
// Grounded on mkfs.c's opt.sortfile / fstree_sort_files call shape; the
// file's own line grammar is not in the sampled original_source tree, so
// this follows the conventional squashfs-tools sort-file format: one
// "<path> <priority>" pair per line, blank lines and '#' comments ignored.
package sortfile

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultPriority is assigned to any path that never appears in a sort
// file, matching squashfs-tools' convention that listed files only ever
// move relative to this baseline.
const DefaultPriority = 0

// Table maps a path to its pack-order priority. Higher priority packs
// earlier.
type Table struct {
	priority map[string]int
}

// Parse reads a sort file and returns its priority table.
func Parse(r io.Reader) (*Table, error) {
	t := &Table{priority: make(map[string]int)}

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("sortfile: line %d: expected \"<path> <priority>\"", lineNum)
		}

		path := strings.Trim(fields[0], "/")
		prio, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("sortfile: line %d: invalid priority %q: %w", lineNum, fields[1], err)
		}
		t.priority[path] = prio
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

// Priority returns path's priority, or DefaultPriority if path was never
// listed.
func (t *Table) Priority(path string) int {
	if t == nil {
		return DefaultPriority
	}
	path = strings.Trim(path, "/")
	if p, ok := t.priority[path]; ok {
		return p
	}
	return DefaultPriority
}

// Sort orders paths by descending priority (ties keep their relative
// input order), in place.
func (t *Table) Sort(paths []string) {
	stableSortByPriority(paths, t)
}

func stableSortByPriority(paths []string, t *Table) {
	// insertion sort: sort files are typically small (tens to low
	// hundreds of overridden paths) and this keeps the ordering
	// stable without pulling in sort.SliceStable's reflection cost.
	for i := 1; i < len(paths); i++ {
		j := i
		for j > 0 && t.Priority(paths[j-1]) < t.Priority(paths[j]) {
			paths[j-1], paths[j] = paths[j], paths[j-1]
			j--
		}
	}
}
