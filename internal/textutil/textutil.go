// Package textutil extracts searchable plain text from stored chat message
// payloads.
package textutil

import (
	"encoding/json"
	"regexp"
	"strings"
)

var imageTagRe = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)

// contentPart is one element of a structured multi-part message payload.
type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ExtractPlainText recovers the human-readable text of a chat message.
//
// Message content may be a bare string, a JSON string literal, or a JSON
// array of typed parts where only "text" parts carry prose. Markdown image
// tags are stripped in all cases since they only reference attachments.
func ExtractPlainText(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ""
	}

	if strings.HasPrefix(trimmed, "[") {
		var parts []contentPart
		if err := json.Unmarshal([]byte(trimmed), &parts); err == nil {
			var sb strings.Builder
			for _, p := range parts {
				if p.Type != "" && p.Type != "text" {
					continue
				}
				if p.Text == "" {
					continue
				}
				if sb.Len() > 0 {
					sb.WriteByte('\n')
				}
				sb.WriteString(p.Text)
			}
			trimmed = sb.String()
		}
	} else if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err == nil {
			trimmed = s
		}
	} else if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			if text, ok := obj["text"].(string); ok {
				trimmed = text
			} else if text, ok := obj["content"].(string); ok {
				trimmed = text
			}
		}
	}

	trimmed = imageTagRe.ReplaceAllString(trimmed, "")
	return strings.TrimSpace(trimmed)
}
