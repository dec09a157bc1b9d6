// Package utils holds paging and parsing helpers shared by the handlers and
// services.
package utils

import (
	"strconv"
	"strings"
)

// AtoiDefault parses s (surrounding space ignored) or returns def when s is
// blank or not an int.
func AtoiDefault(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ClampInt bounds n to [lo, hi].
func ClampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// NormalizePage returns a 1-based page and a page size within [1, maxSize];
// a non-positive size becomes defSize.
func NormalizePage(page, size, defSize, maxSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defSize
	}
	return page, ClampInt(size, 1, maxSize)
}

// Offset is the row offset of a 1-based page.
func Offset(page, size int) int {
	if page < 1 || size < 1 {
		return 0
	}
	return (page - 1) * size
}

// TotalPages is the number of pages of size needed for total rows.
func TotalPages(total int64, size int) int {
	if total <= 0 || size < 1 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}
