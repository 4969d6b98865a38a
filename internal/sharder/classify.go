package sharder

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

// extensionTags maps well-known file extensions to classification tags.
var extensionTags = map[string]string{
	".txt": "text", ".md": "text", ".csv": "text", ".log": "text",
	".json": "structured", ".xml": "structured", ".yaml": "structured", ".yml": "structured",
	".jpg": "image", ".jpeg": "image", ".png": "image", ".gif": "image", ".bmp": "image",
	".mp4": "video", ".mov": "video", ".avi": "video", ".mkv": "video",
	".mp3": "audio", ".wav": "audio", ".flac": "audio",
	".pdf": "document", ".doc": "document", ".docx": "document", ".xls": "document", ".xlsx": "document",
	".zip": "archive", ".tar": "archive", ".gz": "archive", ".7z": "archive",
	".exe": "binary", ".dll": "binary", ".so": "binary", ".bin": "binary",
}

// Classify tags a payload by extension when a path is known, falling back
// to a content heuristic, and derives its size in KB. Content that matches
// neither an extension nor the heuristic is a classification failure.
func Classify(path string, payload []byte) (models.Classification, error) {
	tag := ""
	if path != "" {
		tag = extensionTags[strings.ToLower(filepath.Ext(path))]
	}
	if tag == "" {
		tag = sniff(payload)
	}
	if tag == "" {
		return models.Classification{}, fmt.Errorf("%w: no extension match for %q and content is unrecognizable", models.ErrClassification, filepath.Base(path))
	}
	return models.Classification{
		TypeTag: tag,
		SizeKB:  float64(len(payload)) / 1024,
	}, nil
}

// sniff applies a minimal magic-number / texture heuristic for payloads
// whose extension (if any) is unknown. Empty return means unrecognized.
func sniff(payload []byte) string {
	switch {
	case len(payload) >= 4 && payload[0] == 0x89 && payload[1] == 'P' && payload[2] == 'N' && payload[3] == 'G':
		return "image"
	case len(payload) >= 3 && payload[0] == 0xFF && payload[1] == 0xD8 && payload[2] == 0xFF:
		return "image"
	case len(payload) >= 4 && string(payload[:4]) == "%PDF":
		return "document"
	case len(payload) >= 2 && payload[0] == 'P' && payload[1] == 'K':
		return "archive"
	case len(payload) >= 4 && payload[0] == 0x7F && payload[1] == 'E' && payload[2] == 'L' && payload[3] == 'F':
		return "binary"
	case len(payload) >= 2 && payload[0] == 0x1F && payload[1] == 0x8B:
		return "archive"
	case len(payload) > 0 && (payload[0] == '{' || payload[0] == '['):
		return "structured"
	case utf8.Valid(payload):
		return "text"
	default:
		return ""
	}
}
