package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
)

type counts struct {
	Total   int64
	Covered int64
}

func (c counts) pct() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Covered) * 100.0 / float64(c.Total)
}

type rowStat struct {
	Name string
	counts
}

func main() {
	var (
		coverFile = flag.String("coverprofile", "coverage.out", "path to coverprofile")
		byPackage = flag.Bool("by-package", false, "aggregate per package instead of per file")
		topN      = flag.Int("top", 30, "how many entries to print")
		minTotal  = flag.Int64("min-total", 1, "min statements to include")
	)
	flag.Parse()

	byFile, err := readCoverProfile(*coverFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "covreport: %v\n", err)
		os.Exit(1)
	}

	grouped := byFile
	unit := "files"
	if *byPackage {
		grouped = map[string]*counts{}
		unit = "packages"
		for file, c := range byFile {
			pkg := path.Dir(file)
			st := grouped[pkg]
			if st == nil {
				st = &counts{}
				grouped[pkg] = st
			}
			st.Total += c.Total
			st.Covered += c.Covered
		}
	}

	list := make([]rowStat, 0, len(grouped))
	for name, c := range grouped {
		if c.Total < *minTotal {
			continue
		}
		list = append(list, rowStat{Name: name, counts: *c})
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].pct() == list[j].pct() {
			return list[i].Total > list[j].Total
		}
		return list[i].pct() < list[j].pct()
	})

	if *topN > len(list) {
		*topN = len(list)
	}

	fmt.Printf("=== Worst %s by coverage (weighted) ===\n", unit)
	for i := 0; i < *topN; i++ {
		s := list[i]
		fmt.Printf("%6.2f%%  %6d/%-6d  %s\n", s.pct(), s.Covered, s.Total, s.Name)
	}

	var overall counts
	for _, s := range list {
		overall.Total += s.Total
		overall.Covered += s.Covered
	}
	fmt.Printf("\nOverall (%s included): %.2f%%  %d/%d\n", unit, overall.pct(), overall.Covered, overall.Total)
}

// coverprofile line format:
// <file>:<startLine>.<startCol>,<endLine>.<endCol> <numStmts> <count>
func readCoverProfile(profilePath string) (map[string]*counts, error) {
	f, err := os.Open(profilePath)
	if err != nil {
		return nil, fmt.Errorf("open coverprofile: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	stats := map[string]*counts{}

	// First line: "mode: set"
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		return nil, fmt.Errorf("empty coverprofile")
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid cover line: %q", line)
		}

		idx := strings.Index(parts[0], ":")
		if idx <= 0 {
			return nil, fmt.Errorf("invalid file/range: %q", parts[0])
		}
		file := parts[0][:idx]

		numStmts, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse numStmts %q: %w", parts[1], err)
		}
		count, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse count %q: %w", parts[2], err)
		}

		st := stats[file]
		if st == nil {
			st = &counts{}
			stats[file] = st
		}

		st.Total += numStmts
		if count > 0 {
			st.Covered += numStmts
		}
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return stats, nil
}
