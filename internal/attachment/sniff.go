// Package attachment downloads remote certificate files and stores them
// locally, with a retry sweep for downloads that failed during import.
package attachment

import "bytes"

var signatures = []struct {
	magic []byte
	ext   string
}{
	{[]byte{0xFF, 0xD8, 0xFF}, "jpg"},
	{[]byte{0x89, 'P', 'N', 'G'}, "png"},
	{[]byte("GIF8"), "gif"},
	{[]byte("%PDF"), "pdf"},
	{[]byte("BM"), "bmp"},
}

// DetectExtension returns a file extension from the leading bytes of data.
// Unknown content is assumed to be a JPEG photo of a certificate.
func DetectExtension(data []byte) string {
	for _, sig := range signatures {
		if bytes.HasPrefix(data, sig.magic) {
			return sig.ext
		}
	}
	return "jpg"
}

// ContentType returns the MIME type for an extension from DetectExtension.
func ContentType(ext string) string {
	switch ext {
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "pdf":
		return "application/pdf"
	case "bmp":
		return "image/bmp"
	default:
		return "image/jpeg"
	}
}
