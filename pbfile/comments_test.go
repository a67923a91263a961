package pbfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractCommentsMarkers(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "empty",
			raw:  "",
			want: nil,
		},
		{
			name: "single unmarked comment",
			raw:  "Data collected by city hall.",
			want: []string{"Data collected by city hall"},
		},
		{
			name: "two markers",
			raw:  "#1: First note. #2: Second note.",
			want: []string{"First note", "Second note"},
		},
		{
			name: "markers with newlines inside",
			raw:  "#1: spans\ntwo lines #2: second",
			want: []string{"spans two lines", "second"},
		},
		{
			name: "non-sequential marker falls back to single comment",
			raw:  "#2: not the first marker",
			want: []string{"#2: not the first marker"},
		},
		{
			name: "empty segment is dropped",
			raw:  "#1: ; #2: kept",
			want: []string{"kept"},
		},
		{
			name: "trailing semicolons and dots stripped",
			raw:  "#1: semicolon;. #2: plain",
			want: []string{"semicolon", "plain"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractComments(tt.raw))
		})
	}
}

func TestJoinCommentsRoundTrip(t *testing.T) {
	comments := []string{"First note", "Second note", "Third note"}
	joined := JoinComments(comments)
	assert.Equal(t, "#1: First note #2: Second note #3: Third note", joined)
	assert.Equal(t, comments, ExtractComments(joined))
}

func TestJoinCommentsEmpty(t *testing.T) {
	assert.Equal(t, "", JoinComments(nil))
}
