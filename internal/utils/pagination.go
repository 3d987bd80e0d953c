// Package utils holds small helpers shared by the ops handlers.
package utils

import "strconv"

// AtoiDefault parses s as an int, returning def when s is empty or invalid.
//
//	utils.AtoiDefault("42", 0) // 42
//	utils.AtoiDefault("", 10)  // 10
//	utils.AtoiDefault("x", 5)  // 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// PageBounds returns the [start, end) slice bounds of a 1-based page over
// total items. Pages past the end yield an empty range at total.
func PageBounds(page, size, total int) (start, end int) {
	if page < 1 || size < 1 || total <= 0 {
		return 0, 0
	}
	start = (page - 1) * size
	if start > total || start < 0 {
		return total, total
	}
	return start, min(start+size, total)
}
