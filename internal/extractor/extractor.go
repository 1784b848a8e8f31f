package extractor

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"path"
	"regexp"
	"strings"

	"github.com/h2non/filetype"

	"fileshield/internal/models"
	"fileshield/internal/signatures"
)

const (
	// entropyWindow is how many leading bytes feed the entropy estimate
	entropyWindow = 1024
	// highASCIIWindow is how many leading bytes feed the high-ASCII ratio
	highASCIIWindow = 1000
	// sniffWindow is enough header for every magic-byte matcher
	sniffWindow = 8192
)

// Extractor derives FeatureRecords from file content
type Extractor struct {
	signatures *signatures.Set
}

// Pre-compiled regex patterns, matched over raw bytes
var (
	// Printable ASCII runs of four or more bytes
	printablePattern = regexp.MustCompile(`[!-~]{4,}`)

	// URL - HTTP/HTTPS up to the next whitespace
	urlPattern = regexp.MustCompile(`https?://\S+`)

	// Email - standard email format
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`)
)

// NewExtractor creates an extractor using the given signature set.
// A nil set falls back to the built-in patterns.
func NewExtractor(set *signatures.Set) *Extractor {
	if set == nil {
		set = signatures.Default()
	}
	return &Extractor{signatures: set}
}

// Extract builds the feature record for one file. It never fails: empty or
// malformed content yields zero ratios and zero entropy.
func (e *Extractor) Extract(filename string, content []byte) models.FeatureRecord {
	size := uint64(len(content))
	ext := Extension(filename)

	record := models.FeatureRecord{
		FileSize:              size,
		Extension:             ext,
		MIMEType:              GuessMIME(ext),
		SniffedMIME:           UnknownMIME,
		FilenameLength:        uint32(len([]rune(filename))),
		ContentHash:           HashContent(content),
		Entropy:               Entropy(head(content, entropyWindow)),
		URLCount:              uint32(len(urlPattern.FindAllIndex(content, -1))),
		EmailCount:            uint32(len(emailPattern.FindAllIndex(content, -1))),
		MaliciousPatternCount: uint32(e.signatures.CountMatches(content)),
	}

	if size == 0 {
		return record
	}

	record.TextRatio = float64(printableBytes(content)) / float64(size)
	record.NullByteRatio = float64(bytes.Count(content, []byte{0x00})) / float64(size)
	record.HighASCIIRatio = highASCIIRatio(head(content, highASCIIWindow))

	if kind, err := filetype.Match(head(content, sniffWindow)); err == nil && kind != filetype.Unknown {
		record.SniffedMIME = kind.MIME.Value
		record.SniffedExtension = "." + kind.Extension
	}

	return record
}

// ========== Feature Helpers ==========

// Extension returns the lowercased extension of the file's base name,
// including the leading dot. Leading dots of dotfiles are not an extension.
func Extension(filename string) string {
	base := path.Base(strings.ReplaceAll(strings.ToLower(filename), `\`, "/"))
	trimmed := strings.TrimLeft(base, ".")
	idx := strings.LastIndex(trimmed, ".")
	if idx < 0 {
		return ""
	}
	return trimmed[idx:]
}

// HashContent returns the hex SHA-256 digest of content
func HashContent(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

// Entropy returns the Shannon entropy of data in bits, divided by 8 so the
// result lies in [0,1]. Empty input has zero entropy.
func Entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var counts [256]int
	for _, b := range data {
		counts[b]++
	}

	length := float64(len(data))
	var entropy float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / length
		entropy -= p * math.Log2(p)
	}

	return entropy / 8.0
}

// printableBytes sums the lengths of all printable runs
func printableBytes(content []byte) int {
	total := 0
	for _, loc := range printablePattern.FindAllIndex(content, -1) {
		total += loc[1] - loc[0]
	}
	return total
}

func highASCIIRatio(window []byte) float64 {
	if len(window) == 0 {
		return 0
	}
	high := 0
	for _, b := range window {
		if b > 127 {
			high++
		}
	}
	return float64(high) / float64(len(window))
}

func head(content []byte, n int) []byte {
	if len(content) > n {
		return content[:n]
	}
	return content
}
