package reconcile

import "unicode/utf8"

// Fragment is one unit drained from the replay buffer. Index identifies the
// fragment's source slot in the upstream protocol; fragments at the same index
// may redeliver cumulative text rather than strict increments.
type Fragment struct {
	Index int
	// Text is the fragment's extracted text, cumulative or incremental.
	Text string
	// Raw is the undecoded protocol frame, kept for the classifier and the
	// completion predicate.
	Raw string
}

// commonPrefixLen returns the length in bytes of the longest common prefix of
// a and b, never splitting a UTF-8 sequence.
func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	// Back off to a rune boundary so a half-matched multibyte rune is not
	// treated as shared.
	if i < len(b) {
		for i > 0 && !utf8.RuneStart(b[i]) {
			i--
		}
	}
	return i
}

// unseenSuffix computes the delta to append given the text already
// accumulated for a fragment slot and the newly delivered text. Cumulative
// redelivery ("hel" then "hello") yields only the unseen tail; exact
// redelivery of already-seen text yields nothing.
func unseenSuffix(prev, next string) string {
	if next == "" {
		return ""
	}
	if prev == "" {
		return next
	}
	if k := commonPrefixLen(prev, next); k > 0 {
		if k >= len(next) {
			return ""
		}
		return next[k:]
	}
	// No shared prefix: either a fresh increment or a repeat of the tail we
	// already appended.
	if hasSuffix(prev, next) {
		return ""
	}
	return next
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
