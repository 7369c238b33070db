package plaintext

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// maxDocumentBytes caps a single source file.
const maxDocumentBytes = 32 << 20

var supportedExtensions = map[string]struct{}{
	".txt":      {},
	".md":       {},
	".markdown": {},
	".rst":      {},
}

// Supported reports whether name has an extension the extractor reads.
func Supported(name string) bool {
	_, ok := supportedExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Extract reads UTF-8 text from r. Binary content is rejected.
func Extract(r io.Reader, name string) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxDocumentBytes+1))
	if err != nil {
		return "", fmt.Errorf("read source document %s: %w", name, err)
	}
	if len(raw) > maxDocumentBytes {
		return "", fmt.Errorf("source document %s exceeds %d bytes", name, maxDocumentBytes)
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("unsupported binary format: %s", name)
	}
	return strings.TrimSpace(strings.TrimPrefix(string(raw), "\ufeff")), nil
}
