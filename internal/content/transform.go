// Package content post-processes fetched object bytes before they are
// archived and derives content types from file names.
package content

import (
	"bytes"
	"encoding/json"
	"mime"
	"path"
	"strings"
)

const jsonIndent = "  "

// Transform applies format-aware post-processing keyed on the suffix of
// relPath. JSON payloads are re-indented with two spaces; malformed JSON and
// every other format pass through unchanged.
func Transform(relPath string, data []byte) []byte {
	if !strings.EqualFold(path.Ext(relPath), ".json") {
		return data
	}
	return reindentJSON(data)
}

func reindentJSON(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return data
	}
	var out bytes.Buffer
	out.Grow(len(trimmed) + len(trimmed)/4)
	if err := json.Indent(&out, trimmed, "", jsonIndent); err != nil {
		return data
	}
	out.WriteByte('\n')
	return out.Bytes()
}

var fallbackTypes = map[string]string{
	".json": "application/json",
	".csv":  "text/csv; charset=utf-8",
	".txt":  "text/plain; charset=utf-8",
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".mp4":  "video/mp4",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

// TypeFor derives a content type from the extension of name. Headers from
// the backing store are never consulted.
func TypeFor(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return "application/octet-stream"
	}
	if t, ok := fallbackTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
