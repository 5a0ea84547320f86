package validation

import (
	"bytes"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

type FileType string

const (
	FileTypeCSV  FileType = "csv"
	FileTypeXLSX FileType = "xlsx"
	FileTypeXLS  FileType = "xls"
)

// xlsx is a zip container, legacy xls is an OLE compound document.
var magicBytes = map[FileType][]byte{
	FileTypeXLSX: {0x50, 0x4B, 0x03, 0x04},
	FileTypeXLS:  {0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1},
}

var allowedExtensions = map[string]FileType{
	".csv":  FileTypeCSV,
	".xlsx": FileTypeXLSX,
	".xls":  FileTypeXLS,
}

// DetectFileType sniffs the spreadsheet type from content, falling back to
// text heuristics for CSV (which has no magic number). The reader is
// rewound before returning.
func DetectFileType(file multipart.File) (FileType, error) {
	buffer := make([]byte, 512)
	n, err := file.Read(buffer)
	if err != nil && err != io.EOF {
		return "", err
	}
	if _, err := file.Seek(0, 0); err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrEmptyFile
	}

	for fileType, signature := range magicBytes {
		if bytes.HasPrefix(buffer[:n], signature) {
			return fileType, nil
		}
	}

	if looksLikeCSV(buffer[:n]) {
		return FileTypeCSV, nil
	}

	return "", ErrInvalidFileType
}

func looksLikeCSV(sample []byte) bool {
	if !utf8.Valid(sample) {
		return false
	}
	if bytes.ContainsRune(sample, 0x00) {
		return false
	}
	firstLine := sample
	if idx := bytes.IndexByte(sample, '\n'); idx >= 0 {
		firstLine = sample[:idx]
	}
	return bytes.ContainsAny(firstLine, ",;\t")
}

// CheckUpload validates size, extension and content consistency of an
// uploaded spreadsheet.
func CheckUpload(header *multipart.FileHeader, file multipart.File, maxSize int64) (FileType, error) {
	if header.Size == 0 {
		return "", ErrEmptyFile
	}
	if header.Size > maxSize {
		return "", ErrFileTooLarge
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	expected, ok := allowedExtensions[ext]
	if !ok {
		return "", ErrUnsupportedFormat
	}

	detected, err := DetectFileType(file)
	if err != nil {
		return "", err
	}
	// xls/xlsx confusion is harmless; a binary file renamed to .csv is not.
	if expected == FileTypeCSV && detected != FileTypeCSV {
		return "", ErrInvalidFileType
	}
	return detected, nil
}
