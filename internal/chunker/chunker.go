package chunker

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"unicode"
)

// Default window parameters, in runes
const (
	DefaultWindowSize = 500
	DefaultOverlap    = 50
)

// Window is one overlapping slice of a document's text.
// Start and End are rune offsets into the source text.
type Window struct {
	Ordinal int
	Text    string
	Start   int
	End     int
}

// Splitter cuts text into fixed-size overlapping windows
type Splitter struct {
	windowSize int
	overlap    int
}

// NewSplitter creates a splitter. A non-positive window falls back to the default,
// and an overlap that is negative or not smaller than the window is treated as no overlap.
func NewSplitter(windowSize, overlap int) *Splitter {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if overlap < 0 || overlap >= windowSize {
		overlap = 0
	}
	return &Splitter{
		windowSize: windowSize,
		overlap:    overlap,
	}
}

// WindowSize returns the configured window size
func (s *Splitter) WindowSize() int { return s.windowSize }

// Overlap returns the effective overlap
func (s *Splitter) Overlap() int { return s.overlap }

// MaxIterations is the hard cap on loop iterations for a text of n runes
func (s *Splitter) MaxIterations(n int) int {
	step := s.windowSize - s.overlap
	return (n+step-1)/step + 1
}

// Split returns the windows of text in ordinal order. Windows made only of
// whitespace are dropped and do not consume an ordinal.
func (s *Splitter) Split(text string) []Window {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	step := s.windowSize - s.overlap
	maxIter := s.MaxIterations(n)
	windows := make([]Window, 0, maxIter)

	start := 0
	for iter := 0; start < n && iter < maxIter; iter++ {
		end := start + s.windowSize
		if end > n {
			end = n
		}

		chunk := string(runes[start:end])
		if strings.TrimFunc(chunk, unicode.IsSpace) != "" {
			windows = append(windows, Window{
				Ordinal: len(windows),
				Text:    chunk,
				Start:   start,
				End:     end,
			})
		}

		if end == n {
			break
		}

		next := end - s.overlap
		if next <= start {
			next = start + step
		}
		start = next
	}

	return windows
}

// ComputeHash computes the MD5 hex digest of data
func ComputeHash(data []byte) string {
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

// ReassembleChunks combines chunks in order
func ReassembleChunks(chunks [][]byte) []byte {
	totalSize := 0
	for _, chunk := range chunks {
		totalSize += len(chunk)
	}

	result := make([]byte, 0, totalSize)
	for _, chunk := range chunks {
		result = append(result, chunk...)
	}

	return result
}

// VerifyChunkHash verifies that chunk data matches the expected hash.
// An empty expected hash is accepted.
func VerifyChunkHash(data []byte, expectedHash string) bool {
	if expectedHash == "" {
		return true
	}
	return ComputeHash(data) == expectedHash
}
