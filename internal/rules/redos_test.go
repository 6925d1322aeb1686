package rules

import "testing"

func TestHasNestedQuantifier(t *testing.T) {
	tests := []struct {
		pattern string
		want    bool
	}{
		{`(a+)+`, true},
		{`(a*)*`, true},
		{`(a+)*`, true},
		{`([0-9]+){2,}`, true},
		{`((ab)+c)+`, true},
		{`(a|b+)+`, true},

		{`(a+)`, false},
		{`(a+)?`, false},
		{`a+b*`, false},
		{`(abc)+`, false},
		{`(a+)(b+)`, false},
		{`\(a+\)+`, false},
		{`[+*]+`, false},
		{`(a{2})`, false},
		{`(a{2,4})x{3}`, false},
		{`(version \d+\.\d+)`, false},
		{`rate.?limit`, false},
		{``, false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			if got := hasNestedQuantifier(tt.pattern); got != tt.want {
				t.Errorf("hasNestedQuantifier(%q) = %v, want %v", tt.pattern, got, tt.want)
			}
		})
	}
}
