package rpc

import "strings"

// imageMIMETypes is the set of image media types the extractor recognizes in
// embedded resources. Matches the formats the scanning service accepts.
var imageMIMETypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/jpg":  true,
	"image/gif":  true,
	"image/webp": true,
}

// IsImageMIME reports whether mimeType denotes a recognized image format.
// Parameters after a semicolon (e.g. "image/png; charset=binary") are ignored
// and matching is case-insensitive.
func IsImageMIME(mimeType string) bool {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return imageMIMETypes[strings.ToLower(strings.TrimSpace(mimeType))]
}
