package documents

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Extractor converts raw uploaded bytes into plain text. File-type-specific
// libraries (PDF, DOCX, OCR) live behind this boundary; implementations
// return *ExtractionError for unsupported or corrupt input.
type Extractor interface {
	Extract(ctx context.Context, data []byte, fileType string) (string, error)
}

// textExtractor handles the text-native formats directly. Everything else is
// rejected until a richer extractor is plugged in.
type textExtractor struct{}

// NewTextExtractor returns the built-in extractor for plain-text formats.
func NewTextExtractor() Extractor {
	return &textExtractor{}
}

func (e *textExtractor) Extract(ctx context.Context, data []byte, fileType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", &ExtractionError{Reason: "file is empty"}
	}

	switch strings.ToLower(strings.TrimSpace(fileType)) {
	case "txt", "md", "csv", "log":
		return decodeText(data)
	case "html", "htm":
		text, err := decodeText(data)
		if err != nil {
			return "", err
		}
		return stripHTML(text), nil
	default:
		return "", &ExtractionError{Reason: fmt.Sprintf("unsupported file type %q: no extractor registered", fileType)}
	}
}

func decodeText(data []byte) (string, error) {
	if !utf8.Valid(data) {
		// Tolerate stray bytes the way the upload path tolerates them:
		// drop invalid sequences instead of failing the document.
		return strings.ToValidUTF8(string(data), ""), nil
	}
	return string(data), nil
}

// stripHTML removes tags plus script and style bodies, keeping the visible
// text with line breaks at block boundaries.
func stripHTML(input string) string {
	var builder strings.Builder
	builder.Grow(len(input))

	inTag := false
	skipDepth := 0
	var tagName strings.Builder

	flushTag := func() {
		name := strings.ToLower(strings.TrimPrefix(tagName.String(), "/"))
		closing := strings.HasPrefix(tagName.String(), "/")
		switch name {
		case "script", "style":
			if closing {
				if skipDepth > 0 {
					skipDepth--
				}
			} else {
				skipDepth++
			}
		case "p", "br", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
			if !closing {
				builder.WriteByte('\n')
			}
		}
		tagName.Reset()
	}

	for _, r := range input {
		switch {
		case inTag:
			if r == '>' {
				inTag = false
				flushTag()
			} else if r != ' ' || tagName.Len() == 0 {
				if tagName.Len() < 16 && r != ' ' {
					tagName.WriteRune(r)
				}
			}
		case r == '<':
			inTag = true
		case skipDepth == 0:
			builder.WriteRune(r)
		}
	}
	return builder.String()
}
