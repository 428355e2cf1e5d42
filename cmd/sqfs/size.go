package main

import (
	"fmt"
	"math"
)

// parseSize parses a size string carrying an optional k/M/G/% suffix,
// the way mksquashfs's --block-size flag does. reference is the base
// a "%" suffix is relative to (0 disables the suffix).
func parseSize(what, str string, reference uint64) (uint64, error) {
	i := 0
	if i >= len(str) || str[i] < '0' || str[i] > '9' {
		return 0, fmt.Errorf("%s: %q is not a number", what, str)
	}

	var acc uint64
	for i < len(str) && str[i] >= '0' && str[i] <= '9' {
		d := uint64(str[i] - '0')
		i++

		if acc > (math.MaxUint64-d)/10 {
			return 0, fmt.Errorf("%s: numeric overflow parsing %q", what, str)
		}
		acc = acc*10 + d
	}

	if i < len(str) {
		mul := uint64(0)
		switch str[i] {
		case 'k', 'K':
			mul = 1024
			i++
		case 'm', 'M':
			mul = 1024 * 1024
			i++
		case 'g', 'G':
			mul = 1024 * 1024 * 1024
			i++
		case '%':
			if reference == 0 {
				return 0, fmt.Errorf("%s: %% suffix not allowed here in %q", what, str)
			}
			if acc > math.MaxUint64/reference {
				return 0, fmt.Errorf("%s: numeric overflow parsing %q", what, str)
			}
			acc = acc * reference / 100
			i++
			if i != len(str) {
				return 0, fmt.Errorf("%s: unknown suffix in %q", what, str)
			}
			return acc, nil
		default:
			return 0, fmt.Errorf("%s: unknown suffix in %q", what, str)
		}

		if acc > math.MaxUint64/mul {
			return 0, fmt.Errorf("%s: numeric overflow parsing %q", what, str)
		}
		acc *= mul
	}

	if i != len(str) {
		return 0, fmt.Errorf("%s: unknown suffix in %q", what, str)
	}

	return acc, nil
}
