package sharder

import (
	"errors"
	"testing"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		payload []byte
		wantTag string
	}{
		{"txt extension", "notes.TXT", []byte("hello"), "text"},
		{"json extension", "data.json", []byte(`{"a":1}`), "structured"},
		{"image extension wins over content", "photo.png", []byte("not really a png"), "image"},
		{"pdf magic", "", []byte("%PDF-1.7 ..."), "document"},
		{"png magic", "", []byte{0x89, 'P', 'N', 'G', 0, 0}, "image"},
		{"jpeg magic", "", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "image"},
		{"zip magic", "", []byte{'P', 'K', 3, 4}, "archive"},
		{"gzip magic", "", []byte{0x1F, 0x8B, 8}, "archive"},
		{"elf magic", "", []byte{0x7F, 'E', 'L', 'F', 2}, "binary"},
		{"json content", "", []byte(`[1,2,3]`), "structured"},
		{"plain utf8", "", []byte("just some text"), "text"},
		{"unknown extension falls back to sniff", "weird.xyz", []byte("text body"), "text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(tt.path, tt.payload)
			if err != nil {
				t.Fatalf("Classify() error: %v", err)
			}
			if got.TypeTag != tt.wantTag {
				t.Errorf("TypeTag = %q, want %q", got.TypeTag, tt.wantTag)
			}
		})
	}
}

func TestClassifySizeKB(t *testing.T) {
	got, err := Classify("a.txt", make([]byte, 2048))
	if err != nil {
		t.Fatal(err)
	}
	if got.SizeKB != 2.0 {
		t.Errorf("SizeKB = %v, want 2.0", got.SizeKB)
	}
}

func TestClassifyUnrecognizableContentFails(t *testing.T) {
	// Invalid UTF-8 with no known magic number.
	opaque := []byte{0xFE, 0xFF, 0x00, 0xC3, 0x28, 0xA0, 0xA1}
	_, err := Classify("", opaque)
	if !errors.Is(err, models.ErrClassification) {
		t.Errorf("opaque payload gave %v, want ErrClassification", err)
	}
	_, err = Classify("dump.xyz", opaque)
	if !errors.Is(err, models.ErrClassification) {
		t.Errorf("unknown extension + opaque content gave %v, want ErrClassification", err)
	}
}
