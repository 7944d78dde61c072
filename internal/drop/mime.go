package drop

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Category is the coarse file type shown to clients.
type Category string

const (
	CategoryImage    Category = "image"
	CategoryDocument Category = "document"
	CategoryOther    Category = "other"
)

// sniffLen is how many leading bytes are inspected to detect a MIME type.
const sniffLen = 3072

const octetStream = "application/octet-stream"

var documentTypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.ms-powerpoint":                                      true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"text/plain": true,
	"text/csv":   true,
}

// CategoryOf maps a MIME type to its Category.
func CategoryOf(mimeType string) Category {
	mt := baseType(mimeType)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return CategoryImage
	case documentTypes[mt]:
		return CategoryDocument
	default:
		return CategoryOther
	}
}

// DetectMIME sniffs the MIME type from the leading bytes of an upload and
// falls back to the filename extension when the content is not recognized.
func DetectMIME(head []byte, filename string) string {
	detected := baseType(mimetype.Detect(head).String())
	if detected != octetStream && detected != "" {
		return detected
	}
	if byExt := baseType(mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))); byExt != "" {
		return byExt
	}
	return octetStream
}

func baseType(mimeType string) string {
	mt, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}
