package revstore

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tigscm/internal/logging"
	"tigscm/internal/metrics"
)

// RunOnceFilename records which purge markers have already run.
const RunOnceFilename = ".runonce"

var cutoffLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseCutoff accepts RFC 3339, "YYYY-MM-DD hh:mm:ss" and "YYYY-MM-DD" in
// UTC, or unix seconds.
func ParseCutoff(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range cutoffLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0), true
	}
	return time.Time{}, false
}

// CheckCacheBuster purges cachePath once for each marker whose cutoff is
// still in the future. It reports whether a purge ran.
func CheckCacheBuster(purges map[string]string, cachePath string, now time.Time, logger *zap.Logger) bool {
	logger = logging.OrNop(logger)

	markers := make([]string, 0, len(purges))
	for m := range purges {
		markers = append(markers, m)
	}
	sort.Strings(markers)

	for _, marker := range markers {
		value := purges[marker]
		cutoff, ok := ParseCutoff(value)
		if !ok {
			logger.Warn("ignoring unparseable cache purge cutoff", zap.String("marker", marker), zap.String("cutoff", value))
			continue
		}
		if checkRunOnce(cachePath, marker, value, cutoff, now) {
			logger.Info("purging shared cache", zap.String("marker", marker), zap.String("path", cachePath))
			deleteCache(cachePath)
			metrics.RecordCachePurge()
			return true
		}
	}
	return false
}

// checkRunOnce records marker=value and returns true if now is before cutoff
// and the pair was not recorded already.
func checkRunOnce(dir, marker, value string, cutoff, now time.Time) bool {
	if !now.Before(cutoff) {
		return false
	}

	line := marker + "=" + value
	path := filepath.Join(dir, RunOnceFilename)
	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if scanner.Text() == line {
				f.Close()
				return false
			}
		}
		f.Close()
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return false
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return false
	}
	return true
}

// deleteCache removes everything in dir except the run-once file. Errors on
// individual entries are ignored.
func deleteCache(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.Name() == RunOnceFilename {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if e.IsDir() {
			_ = os.RemoveAll(path)
		} else {
			_ = os.Remove(path)
		}
	}
}
