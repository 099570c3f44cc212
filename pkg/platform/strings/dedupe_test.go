package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "empty", input: "", want: nil},
		{name: "only separators", input: " , ,", want: nil},
		{name: "single broker", input: "localhost:9092", want: []string{"localhost:9092"}},
		{name: "trims and drops empties", input: " a:1 ,, b:2 ", want: []string{"a:1", "b:2"}},
		{name: "drops repeats keeping order", input: "b,a,b,c,a", want: []string{"b", "a", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitList(tt.input, ","))
		})
	}
}

func TestDedupeAndTrim(t *testing.T) {
	assert.Nil(t, DedupeAndTrim(nil))
	assert.Equal(t, []string{"https://ops.example", "http://localhost:*"},
		DedupeAndTrim([]string{" https://ops.example", "http://localhost:*", "https://ops.example "}))
}
