// Package transform converts document content between its remote form and
// its local on-disk form.
//
// The sync engine treats conversion as an opaque, possibly lossy function.
// Opaque binary files round-trip byte-for-byte; native remote documents
// (Google Docs and friends) are exported to text on the way down and
// imported from text on the way up, so their round-trip is only as faithful
// as the remote export allows.
package transform

import (
	"bytes"
	"fmt"
)

// Class distinguishes how a tracked file's content is transferred.
type Class string

const (
	// ClassBinary is transferred byte-for-byte with no conversion.
	ClassBinary Class = "binary"
	// ClassDocument is a native remote document that requires export on
	// download and import on upload.
	ClassDocument Class = "document"
)

// Valid reports whether c is a known class.
func (c Class) Valid() bool {
	return c == ClassBinary || c == ClassDocument
}

// Transformer converts content between remote and local forms.
//
// Implementations may be lossy for ClassDocument. For ClassBinary both
// directions must be the identity.
type Transformer interface {
	// ToLocal converts remote bytes into the form written to disk.
	ToLocal(data []byte, class Class) ([]byte, error)

	// ToRemote converts local file bytes into the form sent to the remote.
	ToRemote(data []byte, class Class) ([]byte, error)
}

// Text is the default Transformer. Binary content passes through untouched;
// document content gets line endings normalized to LF and a trailing newline,
// which keeps repeated round-trips stable.
type Text struct{}

// ToLocal implements Transformer.
func (Text) ToLocal(data []byte, class Class) ([]byte, error) {
	switch class {
	case ClassBinary:
		return data, nil
	case ClassDocument:
		return normalizeText(data), nil
	default:
		return nil, fmt.Errorf("unknown mime class %q", class)
	}
}

// ToRemote implements Transformer.
func (Text) ToRemote(data []byte, class Class) ([]byte, error) {
	switch class {
	case ClassBinary:
		return data, nil
	case ClassDocument:
		return normalizeText(data), nil
	default:
		return nil, fmt.Errorf("unknown mime class %q", class)
	}
}

// normalizeText converts CRLF/CR line endings to LF and ensures the content
// ends with exactly one newline. Empty content stays empty.
func normalizeText(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	out := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	out = bytes.ReplaceAll(out, []byte("\r"), []byte("\n"))
	out = bytes.TrimRight(out, "\n")
	return append(out, '\n')
}
