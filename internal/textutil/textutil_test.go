package textutil

import "testing"

func TestExtractPlainText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "bare string",
			content: "what is entropy?",
			want:    "what is entropy?",
		},
		{
			name:    "json string literal",
			content: `"what is entropy?"`,
			want:    "what is entropy?",
		},
		{
			name:    "multi-part payload keeps text parts",
			content: `[{"type":"text","text":"see figure"},{"type":"image_url","text":""},{"type":"text","text":"above"}]`,
			want:    "see figure\nabove",
		},
		{
			name:    "object with text field",
			content: `{"text":"hello","role":"user"}`,
			want:    "hello",
		},
		{
			name:    "markdown image stripped",
			content: "before ![diagram](attachment://img-1.png) after",
			want:    "before  after",
		},
		{
			name:    "image only",
			content: "![x](y.png)",
			want:    "",
		},
		{
			name:    "malformed json falls through verbatim",
			content: `[{"type":"text","text":`,
			want:    `[{"type":"text","text":`,
		},
		{
			name:    "empty",
			content: "   ",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractPlainText(tt.content); got != tt.want {
				t.Errorf("ExtractPlainText(%q) = %q, want %q", tt.content, got, tt.want)
			}
		})
	}
}
