package mailbox

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// BlobStore writes message bodies and attachments under a root directory:
//
//	<root>/messages/<account>/<folder>_<uid>.txt|.html
//	<root>/attachments/<account>/<name>_<folder>_<uid>_<index>.<ext>
type BlobStore struct {
	root string
}

func NewBlobStore(root string) *BlobStore {
	return &BlobStore{root: root}
}

// WriteBodies stores the text body (derived from HTML when there is no text part)
// and the HTML body. Empty bodies produce empty paths.
func (b *BlobStore) WriteBodies(accountID, folderID int64, uid uint32, text, htmlBody string) (textPath, htmlPath string, err error) {
	if text == "" && htmlBody == "" {
		return "", "", nil
	}
	dir := filepath.Join(b.root, "messages", fmt.Sprint(accountID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create body dir: %w", err)
	}

	if text == "" {
		text = strings.TrimSpace(StripTags(htmlBody))
	}
	textPath = filepath.Join(dir, fmt.Sprintf("%d_%d.txt", folderID, uid))
	if err := os.WriteFile(textPath, []byte(text), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write text body: %w", err)
	}

	if htmlBody != "" {
		htmlPath = filepath.Join(dir, fmt.Sprintf("%d_%d.html", folderID, uid))
		if err := os.WriteFile(htmlPath, []byte(htmlBody), 0o644); err != nil {
			return "", "", fmt.Errorf("failed to write html body: %w", err)
		}
	}
	return textPath, htmlPath, nil
}

// WriteAttachment stores content and returns its path and blake2b-256 checksum.
func (b *BlobStore) WriteAttachment(accountID, folderID int64, uid uint32, index int, filename string, content []byte) (path, checksum string, err error) {
	dir := filepath.Join(b.root, "attachments", fmt.Sprint(accountID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create attachment dir: %w", err)
	}

	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	base := unsafeName.ReplaceAllString(strings.TrimSuffix(filename, filepath.Ext(filename)), "_")
	if base == "" {
		base = "attachment"
	}
	if ext == "" || unsafeName.MatchString(ext) {
		ext = "bin"
	}

	path = filepath.Join(dir, fmt.Sprintf("%s_%d_%d_%d.%s", base, folderID, uid, index, ext))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write attachment: %w", err)
	}
	sum := blake2b.Sum256(content)
	return path, hex.EncodeToString(sum[:]), nil
}
