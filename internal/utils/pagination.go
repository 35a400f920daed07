// Package utils provides small helpers shared by the HTTP and service layers
// for list endpoints.
package utils

import "strconv"

// Page bounds used by list endpoints.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// AtoiDefault converts s with strconv.Atoi, returning def when s is empty
// or not an integer.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ParsePage reads raw page and page_size values and clamps them to
// page >= 1 and 1 <= size <= MaxPageSize.
func ParsePage(pageStr, sizeStr string) (page, size int) {
	return NormalizePage(AtoiDefault(pageStr, 1), AtoiDefault(sizeStr, DefaultPageSize))
}

// NormalizePage clamps page and size. A zero size selects DefaultPageSize.
func NormalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case size == 0:
		size = DefaultPageSize
	case size < 1:
		size = 1
	case size > MaxPageSize:
		size = MaxPageSize
	}
	return page, size
}

// Offset is the number of rows to skip for a 1-based page.
func Offset(page, size int) int {
	page, size = NormalizePage(page, size)
	return (page - 1) * size
}

// TotalPages returns how many pages of size hold total rows.
func TotalPages(total int64, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}
