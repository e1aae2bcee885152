package catalog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Artifact-Virtual/satx/model"
)

// lastUpdateFile is the sidecar the external fetcher writes next to the
// TLE files with the RFC3339 time of the last successful refresh.
const lastUpdateFile = "last_update.txt"

// ReadFile parses a TLE file from disk. The fetch timestamp comes from the
// fetcher's last_update.txt sidecar when present, otherwise from the
// file's modification time.
func ReadFile(path string) ([]model.OrbitalElementSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog file: %w", err)
	}
	defer f.Close()

	fetchedAt := fetchStamp(path)
	sets, err := Parse(f, fetchedAt)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return sets, nil
}

func fetchStamp(path string) time.Time {
	sidecar := filepath.Join(filepath.Dir(path), lastUpdateFile)
	if raw, err := os.ReadFile(sidecar); err == nil {
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(string(raw))); err == nil {
			return ts
		}
	}
	if fi, err := os.Stat(path); err == nil {
		return fi.ModTime().UTC()
	}
	return time.Now().UTC()
}

// Parse reads element sets from r. Both three-line groups (name line
// first) and bare two-line groups are accepted; malformed groups are
// skipped rather than failing the whole file.
func Parse(r io.Reader, fetchedAt time.Time) ([]model.OrbitalElementSet, error) {
	scanner := bufio.NewScanner(r)

	var sets []model.OrbitalElementSet
	var name, line1 string

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \r")
		switch {
		case strings.HasPrefix(line, "1 "):
			line1 = line
		case strings.HasPrefix(line, "2 "):
			if line1 == "" {
				name = ""
				continue
			}
			if set, ok := buildSet(name, line1, line, fetchedAt); ok {
				sets = append(sets, set)
			}
			name, line1 = "", ""
		case strings.TrimSpace(line) == "":
			name, line1 = "", ""
		default:
			name = strings.TrimSpace(line)
			line1 = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read element lines: %w", err)
	}
	return sets, nil
}

func buildSet(name, line1, line2 string, fetchedAt time.Time) (model.OrbitalElementSet, bool) {
	if len(line1) < 69 || len(line2) < 69 {
		return model.OrbitalElementSet{}, false
	}

	id := strings.TrimSpace(line1[2:7])
	if id == "" || strings.TrimSpace(line2[2:7]) != id {
		return model.OrbitalElementSet{}, false
	}

	epoch, err := parseEpoch(line1)
	if err != nil {
		return model.OrbitalElementSet{}, false
	}

	return model.OrbitalElementSet{
		CatalogID: id,
		Name:      name,
		Line1:     line1,
		Line2:     line2,
		Epoch:     epoch,
		FetchedAt: fetchedAt,
	}, true
}

// parseEpoch decodes the YYDDD.DDDDDDDD epoch in columns 19-32 of line 1.
// Two-digit years of 57 and above belong to the 1900s.
func parseEpoch(line1 string) (time.Time, error) {
	raw := strings.TrimSpace(line1[18:32])

	yy, err := strconv.Atoi(raw[:2])
	if err != nil {
		return time.Time{}, fmt.Errorf("epoch year: %w", err)
	}
	year := 2000 + yy
	if yy >= 57 {
		year = 1900 + yy
	}

	doy, err := strconv.ParseFloat(raw[2:], 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("epoch day: %w", err)
	}
	if doy < 1 || doy >= 367 {
		return time.Time{}, fmt.Errorf("epoch day %v out of range", doy)
	}

	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return start.Add(time.Duration((doy - 1) * 24 * float64(time.Hour))), nil
}
