// Package truncate shortens large text by keeping its head and tail.
package truncate

import "unicode/utf8"

// HeadTail returns s unchanged when it holds at most limit characters.
// Otherwise it keeps the first and last limit/2 characters and joins them
// with marker(total), where total is the character count of s.
func HeadTail(s string, limit int, marker func(total int) string) string {
	if limit <= 0 {
		return s
	}
	total := utf8.RuneCountInString(s)
	if total <= limit {
		return s
	}
	r := []rune(s)
	half := limit / 2
	return string(r[:half]) + marker(total) + string(r[total-half:])
}
