package transform

import (
	"bytes"
	"testing"
)

// TestText_BinaryIdentity tests that binary content passes through untouched
func TestText_BinaryIdentity(t *testing.T) {
	tr := Text{}
	data := []byte{0x00, 0xFF, 0x10, '\r', '\n', 0x00}

	local, err := tr.ToLocal(data, ClassBinary)
	if err != nil {
		t.Fatalf("ToLocal() failed: %v", err)
	}
	if !bytes.Equal(local, data) {
		t.Errorf("ToLocal() modified binary content")
	}

	remote, err := tr.ToRemote(data, ClassBinary)
	if err != nil {
		t.Fatalf("ToRemote() failed: %v", err)
	}
	if !bytes.Equal(remote, data) {
		t.Errorf("ToRemote() modified binary content")
	}
}

// TestText_DocumentNormalization tests CRLF and trailing newline handling
func TestText_DocumentNormalization(t *testing.T) {
	tr := Text{}

	local, err := tr.ToLocal([]byte("a\r\nb\r\nc"), ClassDocument)
	if err != nil {
		t.Fatalf("ToLocal() failed: %v", err)
	}
	if string(local) != "a\nb\nc\n" {
		t.Errorf("ToLocal() = %q, want %q", local, "a\nb\nc\n")
	}
}

// TestText_DocumentTrailingNewlines tests that extra trailing newlines collapse
func TestText_DocumentTrailingNewlines(t *testing.T) {
	tr := Text{}

	local, err := tr.ToLocal([]byte("hello\n\n\n"), ClassDocument)
	if err != nil {
		t.Fatalf("ToLocal() failed: %v", err)
	}
	if string(local) != "hello\n" {
		t.Errorf("ToLocal() = %q, want %q", local, "hello\n")
	}
}

// TestText_RoundTripStable tests that normalization is idempotent, so a
// download/upload cycle with no edits produces identical bytes
func TestText_RoundTripStable(t *testing.T) {
	tr := Text{}

	once, err := tr.ToLocal([]byte("line one\r\nline two"), ClassDocument)
	if err != nil {
		t.Fatalf("ToLocal() failed: %v", err)
	}
	twice, err := tr.ToRemote(once, ClassDocument)
	if err != nil {
		t.Fatalf("ToRemote() failed: %v", err)
	}
	if !bytes.Equal(once, twice) {
		t.Errorf("round trip not stable: %q then %q", once, twice)
	}
}

// TestClass_Valid tests class validation
func TestClass_Valid(t *testing.T) {
	if !ClassBinary.Valid() || !ClassDocument.Valid() {
		t.Error("built-in classes should be valid")
	}
	if Class("spreadsheet").Valid() {
		t.Error("unknown class should be invalid")
	}
}
