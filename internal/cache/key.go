package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"unicode/utf8"
)

// Type partitions the cache by pipeline stage.
type Type string

const (
	TypeExtraction Type = "extraction"
	TypeDetection  Type = "detection"
	TypeWorkflow   Type = "workflow"
)

// fieldSep cannot appear in a canonical field, so ("ab","c") and ("a","bc")
// hash differently.
const fieldSep = "\x1f"

// Key hashes a cache type and its canonical fields. Every stage key is
// built from it.
func Key(t Type, fields ...string) string {
	h := sha256.New()
	h.Write([]byte(t))
	for _, f := range fields {
		h.Write([]byte(fieldSep))
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ExtractionKey identifies an extraction by file identity and size.
func ExtractionKey(ownerID, fileName string, size int64) string {
	return Key(TypeExtraction, ownerID, fileName, strconv.FormatInt(size, 10))
}

// DetectionPrefixRunes is how much of the normalized text a detection key
// covers.
const DetectionPrefixRunes = 10000

// DetectionKey identifies a detection run by the first DetectionPrefixRunes
// runes of the normalized text, the text's total length in runes, the title
// and the detector's algorithm fingerprint.
func DetectionKey(text, title, algorithm string) string {
	return Key(TypeDetection, textPrefix(text, DetectionPrefixRunes),
		strconv.Itoa(utf8.RuneCountInString(text)), title, algorithm)
}

func textPrefix(s string, n int) string {
	for i := range s {
		if n == 0 {
			return s[:i]
		}
		n--
	}
	return s
}

// WorkflowKey identifies a complete run: the extraction identity plus
// everything that shapes the final chapter set.
func WorkflowKey(ownerID, fileName string, size int64, title, algorithm string) string {
	return Key(TypeWorkflow, ownerID, fileName, strconv.FormatInt(size, 10), title, algorithm)
}

// HashText returns the hex SHA-256 of text.
func HashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// HashBytes returns the hex SHA-256 of b.
func HashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
