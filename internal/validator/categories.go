package validator

import "strings"

// Category groups file kinds that share a MIME allow-list and size ceiling.
type Category string

const (
	CategoryImage    Category = "image"
	CategoryVideo    Category = "video"
	CategoryAudio    Category = "audio"
	CategoryDocument Category = "document"
)

var categoryMIMEs = map[Category][]string{
	CategoryImage:    {"image/jpeg", "image/png", "image/gif", "image/webp", "image/heic", "image/bmp"},
	CategoryVideo:    {"video/mp4", "video/webm", "video/quicktime", "video/x-matroska"},
	CategoryAudio:    {"audio/mpeg", "audio/wav", "audio/x-wav", "audio/ogg", "audio/mp4", "audio/flac", "audio/x-flac"},
	CategoryDocument: {"application/pdf", "text/plain", "text/markdown", "application/msword", "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
}

var categoryExtensions = map[Category][]string{
	CategoryImage:    {".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic", ".bmp"},
	CategoryVideo:    {".mp4", ".webm", ".mov", ".mkv"},
	CategoryAudio:    {".mp3", ".wav", ".ogg", ".m4a", ".flac"},
	CategoryDocument: {".pdf", ".txt", ".md", ".doc", ".docx"},
}

// Extensions that are rejected no matter what the config allows.
var deniedExtensions = map[string]struct{}{
	".exe": {}, ".bat": {}, ".cmd": {}, ".com": {}, ".scr": {}, ".pif": {},
	".msi": {}, ".dll": {}, ".vbs": {}, ".vbe": {}, ".js": {}, ".jse": {},
	".wsf": {}, ".wsh": {}, ".ps1": {}, ".jar": {}, ".sh": {}, ".app": {},
	".cpl": {}, ".hta": {}, ".reg": {}, ".apk": {},
}

// CategoryForExtension returns the category an extension belongs to.
func CategoryForExtension(ext string) (Category, bool) {
	ext = strings.ToLower(ext)
	for c, exts := range categoryExtensions {
		for _, e := range exts {
			if e == ext {
				return c, true
			}
		}
	}
	return "", false
}

// MIMEAllowList returns the MIME types permitted by the given categories.
func MIMEAllowList(categories []Category) map[string]struct{} {
	out := make(map[string]struct{})
	for _, c := range categories {
		for _, m := range categoryMIMEs[c] {
			out[m] = struct{}{}
		}
	}
	return out
}

// ExtensionsFor lists the extensions of the given categories.
func ExtensionsFor(categories []Category) []string {
	var out []string
	for _, c := range categories {
		out = append(out, categoryExtensions[c]...)
	}
	return out
}
