package documents

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"
)

const maxFilenameLength = 255

var allowedExtensions = map[string]struct{}{
	"pdf": {}, "docx": {}, "doc": {},
	"xlsx": {}, "xls": {}, "pptx": {}, "ppt": {},
	"txt": {}, "md": {}, "html": {}, "epub": {},
	"png": {}, "jpg": {}, "jpeg": {}, "tiff": {},
	"csv": {}, "log": {},
}

var mimeByExtension = map[string][]string{
	"pdf":  {"application/pdf"},
	"docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	"doc":  {"application/msword"},
	"xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	"xls":  {"application/vnd.ms-excel"},
	"pptx": {"application/vnd.openxmlformats-officedocument.presentationml.presentation"},
	"ppt":  {"application/vnd.ms-powerpoint"},
	"txt":  {"text/plain"},
	"md":   {"text/markdown", "text/plain"},
	"html": {"text/html"},
	"png":  {"image/png"},
	"jpg":  {"image/jpeg"},
	"jpeg": {"image/jpeg"},
	"tiff": {"image/tiff"},
	"csv":  {"text/csv", "text/plain"},
}

// MaxFileSizeBytes reads MAX_FILE_SIZE_MB (default 50).
func MaxFileSizeBytes() int64 {
	maxMB := 50
	if raw := strings.TrimSpace(os.Getenv("MAX_FILE_SIZE_MB")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxMB = parsed
		}
	}
	return int64(maxMB) * 1024 * 1024
}

// ValidateUpload sanitizes the filename and checks extension, MIME agreement
// and size. It returns the safe filename and the lowercase extension.
func ValidateUpload(filename, contentType string, size int64) (string, string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", "", &ValidationError{Reason: "no filename provided"}
	}

	safe := SanitizeFilename(filename)

	ext := ""
	if idx := strings.LastIndex(safe, "."); idx >= 0 && idx < len(safe)-1 {
		ext = strings.ToLower(safe[idx+1:])
	}
	if ext == "" {
		return "", "", &ValidationError{Reason: "file must have an extension"}
	}
	if _, ok := allowedExtensions[ext]; !ok {
		return "", "", &ValidationError{Reason: fmt.Sprintf("file type %q not allowed", "."+ext)}
	}

	if contentType != "" {
		if expected, ok := mimeByExtension[ext]; ok {
			matched := false
			normalized := strings.ToLower(strings.TrimSpace(contentType))
			if idx := strings.Index(normalized, ";"); idx >= 0 {
				normalized = strings.TrimSpace(normalized[:idx])
			}
			for _, mime := range expected {
				if normalized == mime {
					matched = true
					break
				}
			}
			if !matched {
				return "", "", &ValidationError{Reason: fmt.Sprintf("MIME type %q does not match extension %q", contentType, "."+ext)}
			}
		}
	}

	if max := MaxFileSizeBytes(); size > max {
		return "", "", &ValidationError{Reason: fmt.Sprintf("file size %d bytes exceeds maximum of %d bytes", size, max)}
	}

	return safe, ext, nil
}

// SanitizeFilename strips path components and characters that would be
// unsafe on disk or in object keys.
func SanitizeFilename(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))

	var builder strings.Builder
	for _, r := range name {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*', 0:
			builder.WriteByte('_')
		default:
			builder.WriteRune(r)
		}
	}
	name = strings.Trim(builder.String(), ". ")

	if name == "" {
		name = "unnamed_file"
	}
	if len(name) > maxFilenameLength {
		ext := ""
		base := name
		if idx := strings.LastIndex(name, "."); idx >= 0 {
			base, ext = name[:idx], name[idx:]
		}
		cut := maxFilenameLength - len(ext)
		if cut < 1 {
			cut = 1
		}
		if cut > len(base) {
			cut = len(base)
		}
		// Back off to a rune boundary so the cut never leaves a split
		// multi-byte sequence behind.
		for cut > 0 && !utf8.ValidString(base[:cut]) {
			cut--
		}
		name = base[:cut] + ext
	}
	return name
}

// SanitizeQuery trims and bounds a search or chat query.
func SanitizeQuery(query string, maxLength int) (string, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(query, "\x00", ""))
	if trimmed == "" {
		return "", &ValidationError{Reason: "query cannot be empty"}
	}
	if maxLength > 0 && len(trimmed) > maxLength {
		return "", &ValidationError{Reason: fmt.Sprintf("query too long (max %d characters)", maxLength)}
	}
	return trimmed, nil
}
