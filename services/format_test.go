package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatInt(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1 000"},
		{12345678, "12 345 678"},
		{-1234567, "-1 234 567"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatInt(tt.in))
	}
}

func TestFormatBudget(t *testing.T) {
	assert.Equal(t, "4 000 000 PLN", FormatBudget("PLN", 4000000))
	assert.Equal(t, "4 000 000", FormatBudget("", 4000000))
}

func TestFormatShortNumber(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1200, "1.2K"},
		{3400000, "3.4M"},
		{150000, "150K"},
		{2000000000, "2B"},
		{-1200, "-1.2K"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatShortNumber(tt.in), "input %v", tt.in)
	}
}

func TestFormatVoteLength(t *testing.T) {
	v := 2.3456
	assert.Equal(t, "2.346", FormatVoteLength(&v))
	assert.Equal(t, "—", FormatVoteLength(nil))
}
