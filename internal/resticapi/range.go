package resticapi

import (
	"errors"
	"strconv"
	"strings"
)

// Range parse outcomes. Unsatisfiable maps to 416 with a bytes */size
// Content-Range; invalid maps to 400.
var (
	errRangeInvalid       = errors.New("invalid Range header")
	errRangeUnsatisfiable = errors.New("range not satisfiable")
)

// parseRange decodes a single-range bytes= header against a known size.
// Supports "a-b", "a-", and "-n" forms; only one range, which is all
// restic sends. Returned bounds are inclusive and clamped to size-1.
func parseRange(header string, size int64) (start, end int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, errRangeInvalid
	}

	first, last, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, errRangeInvalid
	}

	// Any byte range is unsatisfiable against an empty file.
	if size == 0 {
		return 0, 0, errRangeUnsatisfiable
	}

	if first == "" {
		// bytes=-n: the final n bytes. A zero-length suffix selects
		// nothing, which is unsatisfiable.
		suffix, parseErr := strconv.ParseInt(last, 10, 64)
		if parseErr != nil || suffix < 0 {
			return 0, 0, errRangeInvalid
		}

		if suffix == 0 {
			return 0, 0, errRangeUnsatisfiable
		}

		start = size - suffix
		if start < 0 {
			start = 0
		}

		return start, size - 1, nil
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errRangeInvalid
	}

	if last == "" {
		end = size - 1
	} else {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < 0 {
			return 0, 0, errRangeInvalid
		}
	}

	if start > end || start >= size {
		return 0, 0, errRangeUnsatisfiable
	}

	if end > size-1 {
		end = size - 1
	}

	return start, end, nil
}
