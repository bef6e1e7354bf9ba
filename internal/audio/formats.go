package audio

import "strings"

// losslessFormats are extensions whose containers carry uncompressed or
// losslessly compressed audio.
var losslessFormats = map[string]bool{
	"flac": true,
	"wav":  true,
	"aiff": true,
	"aif":  true,
	"alac": true,
	"ape":  true,
	"wv":   true,
}

// lossyFormats are the lossy containers the pipeline accepts.
var lossyFormats = map[string]bool{
	"mp3":  true,
	"m4a":  true,
	"aac":  true,
	"ogg":  true,
	"opus": true,
	"wma":  true,
}

// NormalizeExt strips a leading dot and lowercases an extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// IsLossless reports whether the extension names a lossless format.
func IsLossless(ext string) bool {
	return losslessFormats[NormalizeExt(ext)]
}

// IsLossy reports whether the extension names a known lossy format.
func IsLossy(ext string) bool {
	return lossyFormats[NormalizeExt(ext)]
}

// IsKnownFormat reports whether the extension names any supported format.
func IsKnownFormat(ext string) bool {
	return IsLossless(ext) || IsLossy(ext)
}
