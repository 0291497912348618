package canvas

import (
	"fmt"
	"strings"
)

// z order tokens compare as plain strings. A token never ends in the
// lowest digit, so there is always room for a token between two others.
const zOrderDigits = "0123456789abcdefghijklmnopqrstuvwxyz"

// a token strictly between `a` and `b`. "" for `a` is the start;
// "" for `b` is the end.
func ZOrderBetween(a string, b string) (string, error) {
	if b != "" && b <= a {
		return "", fmt.Errorf("Z order %q must be less than %q.", a, b)
	}
	if !validZOrder(a) || !validZOrder(b) {
		return "", fmt.Errorf("Bad z order %q %q.", a, b)
	}
	return zOrderMidpoint(a, b), nil
}

func ZOrderAfter(a string) string {
	z, err := ZOrderBetween(a, "")
	if err != nil {
		panic(err)
	}
	return z
}

func validZOrder(z string) bool {
	for i := 0; i < len(z); i += 1 {
		if strings.IndexByte(zOrderDigits, z[i]) < 0 {
			return false
		}
	}
	return z == "" || z[len(z)-1] != zOrderDigits[0]
}

func zOrderDigit(z string, i int) int {
	if len(z) <= i {
		return 0
	}
	return strings.IndexByte(zOrderDigits, z[i])
}

func zOrderMidpoint(a string, b string) string {
	if b != "" {
		n := 0
		for n < len(b) && zOrderDigit(a, n) == zOrderDigit(b, n) {
			n += 1
		}
		if 0 < n {
			return b[:n] + zOrderMidpoint(a[min(n, len(a)):], b[n:])
		}
	}

	digitA := zOrderDigit(a, 0)
	digitB := len(zOrderDigits)
	if b != "" {
		digitB = zOrderDigit(b, 0)
	}
	if 1 < digitB-digitA {
		return string(zOrderDigits[(digitA+digitB)/2])
	}
	if 1 < len(b) {
		return b[:1]
	}
	rest := ""
	if 0 < len(a) {
		rest = a[1:]
	}
	return string(zOrderDigits[digitA]) + zOrderMidpoint(rest, "")
}
