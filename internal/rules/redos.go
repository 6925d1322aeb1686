package rules

// hasNestedQuantifier reports whether a pattern quantifies a group that
// itself contains a quantifier, e.g. (a+)+ or ([0-9]*){2,}. Such patterns
// are rejected at load time so a rule document stays portable to engines
// with backtracking matchers.
func hasNestedQuantifier(pattern string) bool {
	type frame struct {
		quantified bool
	}
	var stack []frame
	inClass := false

	i := 0
	for i < len(pattern) {
		c := pattern[i]

		if c == '\\' {
			i += 2
			continue
		}
		if inClass {
			if c == ']' {
				inClass = false
			}
			i++
			continue
		}

		switch c {
		case '[':
			inClass = true
		case '(':
			stack = append(stack, frame{})
		case ')':
			if len(stack) == 0 {
				i++
				continue
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top.quantified && quantifierFollows(pattern, i+1) {
				return true
			}
			// A quantifier inside this group is also inside the parent.
			if top.quantified && len(stack) > 0 {
				stack[len(stack)-1].quantified = true
			}
		case '+', '*':
			if len(stack) > 0 {
				stack[len(stack)-1].quantified = true
			}
		case '{':
			if isRepetition(pattern, i) && len(stack) > 0 {
				stack[len(stack)-1].quantified = true
			}
		}
		i++
	}
	return false
}

// quantifierFollows reports whether an unbounded-growth quantifier starts
// at pos. '?' is excluded: it repeats at most once.
func quantifierFollows(pattern string, pos int) bool {
	if pos >= len(pattern) {
		return false
	}
	switch pattern[pos] {
	case '+', '*':
		return true
	case '{':
		return isRepetition(pattern, pos)
	}
	return false
}

// isRepetition reports whether pattern[pos] opens a {n}, {n,} or {n,m}
// repetition rather than a literal brace.
func isRepetition(pattern string, pos int) bool {
	i := pos + 1
	sawDigit := false
	for i < len(pattern) {
		c := pattern[i]
		switch {
		case c >= '0' && c <= '9':
			sawDigit = true
		case c == ',':
		case c == '}':
			return sawDigit
		default:
			return false
		}
		i++
	}
	return false
}
