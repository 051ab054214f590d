package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/docker/go-units"
)

// UploadExtensions are the image file extensions accepted for upload.
var UploadExtensions = []string{"png", "jpg", "jpeg", "bmp", "webp"}

// UploadContentTypes are the media types accepted for upload.
var UploadContentTypes = []string{"image/png", "image/jpeg", "image/jpg", "image/bmp", "image/webp"}

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the lower-cased file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// IsImageFile checks if a file has an accepted upload extension
func IsImageFile(filename string) bool {
	return slices.Contains(UploadExtensions, GetFileExtension(filename))
}

// IsImageContentType checks if a media type, parameters aside, is accepted for upload
func IsImageContentType(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return slices.Contains(UploadContentTypes, strings.ToLower(strings.TrimSpace(mediaType)))
}

// GenerateOutputFilename builds "<dir>/<prefix><name><suffix>.<format>" for an input path.
func GenerateOutputFilename(inputFile, outputDir, prefix, suffix, format string) string {
	baseName := filepath.Base(inputFile)
	nameWithoutExt := strings.TrimSuffix(baseName, filepath.Ext(baseName))

	if format == "" {
		format = GetFileExtension(inputFile)
		if format == "" {
			format = "jpg"
		}
	}

	outputName := fmt.Sprintf("%s%s%s.%s", prefix, nameWithoutExt, suffix, format)
	return filepath.Join(outputDir, outputName)
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// SanitizeFilename replaces characters that are invalid in file names
func SanitizeFilename(filename string) string {
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}
	result := filename

	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}

	return strings.Trim(result, " .")
}

// FormatFileSize formats a byte count in binary units, e.g. "1.5MiB".
func FormatFileSize(size int64) string {
	return units.BytesSize(float64(size))
}

// ParseFileSize parses a human size such as "512KiB" or "2MB" into bytes.
func ParseFileSize(s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}
