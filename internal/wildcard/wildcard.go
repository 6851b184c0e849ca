// Package wildcard implements the glob matching of spec.md §4.D: '?'
// matches exactly one byte, '*' matches zero or more bytes greedily with
// backtracking. The algorithm is the recursive-descent matcher from
// _examples/original_source/dynString.c's strMatchWildcard (itself
// credited there to schweikh's 2001 IOCCC entry), translated byte for
// byte rather than reimplemented from the prose description, so its
// backtracking order matches the original exactly.
package wildcard

// Match reports whether subject matches pattern under '?'/'*' glob
// semantics. An empty subject matches iff pattern is empty or consists
// solely of '*'s.
func Match(subject, pattern []byte) bool {
	return match(subject, pattern)
}

// MatchString is the string convenience wrapper around Match.
func MatchString(subject, pattern string) bool {
	return Match([]byte(subject), []byte(pattern))
}

// HasWildcard reports whether key contains a glob metacharacter, the
// test spec.md's GET/DEL handlers use to decide between a point lookup
// and a full-table scan.
func HasWildcard(key []byte) bool {
	for _, b := range key {
		if b == '?' || b == '*' {
			return true
		}
	}
	return false
}

func match(str, wc []byte) bool {
	if len(wc) > 0 && wc[0] == '*' {
		if len(wc) == 1 ||
			match(str, wc[1:]) ||
			(len(str) > 0 && match(str[1:], wc)) {
			return true
		}
		return false
	}

	if len(str) == 0 {
		return len(wc) == 0
	}

	if len(wc) == 0 {
		return false
	}

	if str[0] != wc[0] && wc[0] != '?' {
		return false
	}

	return match(str[1:], wc[1:])
}
