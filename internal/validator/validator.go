// Package validator screens candidate uploads before any byte is written.
//
// All checks run independently and every violation is collected. Hard
// violations land in Result.Reasons and make the file unacceptable; advisory
// findings (a declared type that disagrees with the sniffed one) land in
// Result.Warnings.
package validator

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

const MaxFilenameBytes = 255

// Config describes what an upload target accepts.
type Config struct {
	AllowedExtensions []string
	AllowedCategories []Category
	// MaxSizeBytes holds per-category ceilings; DefaultMaxSizeBytes applies
	// to categories without an entry.
	MaxSizeBytes        map[Category]int64
	DefaultMaxSizeBytes int64
}

// DefaultConfig accepts the four media categories with conservative ceilings.
func DefaultConfig() Config {
	all := []Category{CategoryImage, CategoryVideo, CategoryAudio, CategoryDocument}
	return Config{
		AllowedExtensions: ExtensionsFor(all),
		AllowedCategories: all,
		MaxSizeBytes: map[Category]int64{
			CategoryImage:    10 << 20,
			CategoryVideo:    100 << 20,
			CategoryAudio:    50 << 20,
			CategoryDocument: 25 << 20,
		},
		DefaultMaxSizeBytes: 10 << 20,
	}
}

// MaxSizeFor returns the ceiling for the category.
func (c Config) MaxSizeFor(cat Category) int64 {
	if v, ok := c.MaxSizeBytes[cat]; ok && v > 0 {
		return v
	}
	return c.DefaultMaxSizeBytes
}

// Input is a candidate file as declared by the caller. Prefix holds the
// leading bytes (or all of them) of the payload.
type Input struct {
	Name        string
	ContentType string
	Size        int64
	Prefix      []byte
}

// Result is the outcome of Validate.
type Result struct {
	Accepted      bool
	Reasons       []string
	Warnings      []string
	SanitizedName string
	Category      Category
	DetectedType  string
}

var executableMagic = [][]byte{
	[]byte("MZ"),             // PE
	[]byte("\x7fELF"),        // ELF
	{0xFE, 0xED, 0xFA, 0xCE}, // Mach-O 32
	{0xFE, 0xED, 0xFA, 0xCF}, // Mach-O 64
	{0xCE, 0xFA, 0xED, 0xFE}, // Mach-O 32, little endian
	{0xCF, 0xFA, 0xED, 0xFE}, // Mach-O 64, little endian
	{0xCA, 0xFE, 0xBA, 0xBE}, // Mach-O universal
}

var scriptPatterns = [][]byte{
	[]byte("eval("),
	[]byte("<script"),
	[]byte("javascript:"),
}

// Validate runs every check against in and cfg.
func Validate(in Input, cfg Config) Result {
	res := Result{SanitizedName: SanitizeFilename(in.Name)}
	reject := func(format string, args ...any) {
		res.Reasons = append(res.Reasons, fmt.Sprintf(format, args...))
	}

	ext := strings.ToLower(filepath.Ext(in.Name))
	cat, known := CategoryForExtension(ext)
	res.Category = cat

	if ext == "" {
		reject("file has no extension")
	} else if !containsFold(cfg.AllowedExtensions, ext) {
		reject("extension %s is not allowed", ext)
	}

	declared := normalizeMIME(in.ContentType)
	allowed := MIMEAllowList(cfg.AllowedCategories)
	if _, ok := allowed[declared]; !ok {
		reject("content type %q is not allowed", in.ContentType)
	}
	if len(in.Prefix) > 0 {
		detected := mimetype.Detect(in.Prefix)
		res.DetectedType = normalizeMIME(detected.String())
		if declared != "" && !agrees(declared, detected) {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("declared content type %s does not match detected %s", declared, res.DetectedType))
		}
	}

	limit := cfg.DefaultMaxSizeBytes
	if known {
		limit = cfg.MaxSizeFor(cat)
	}
	switch {
	case in.Size < 1:
		reject("file cannot be empty")
	case limit > 0 && in.Size > limit:
		reject("file size %d exceeds the %d byte limit", in.Size, limit)
	}

	if len(in.Name) > MaxFilenameBytes {
		reject("filename is longer than %d bytes", MaxFilenameBytes)
	}

	if _, denied := deniedExtensions[ext]; denied {
		reject("executable file extension %s is not permitted", ext)
	}

	for _, magic := range executableMagic {
		if bytes.HasPrefix(in.Prefix, magic) {
			reject("file content looks like an executable")
			break
		}
	}
	lower := bytes.ToLower(in.Prefix)
	for _, p := range scriptPatterns {
		if bytes.Contains(lower, p) {
			reject("file content contains a suspicious script pattern %q", p)
		}
	}

	res.Accepted = len(res.Reasons) == 0
	return res
}

// SanitizeFilename drops directory components, path separators and control
// characters, collapses whitespace and truncates to MaxFilenameBytes.
func SanitizeFilename(name string) string {
	var b strings.Builder
	space := false
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			continue
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
			}
			space = true
			continue
		case unicode.IsControl(r) || r == utf8.RuneError:
			continue
		}
		space = false
		b.WriteRune(r)
	}

	out := strings.TrimSpace(b.String())
	if len(out) > MaxFilenameBytes {
		// cut the stem so the extension survives
		ext := filepath.Ext(out)
		if len(ext) >= MaxFilenameBytes/2 {
			ext = ""
		}
		stem := out[:len(out)-len(ext)]
		for len(stem)+len(ext) > MaxFilenameBytes {
			_, size := utf8.DecodeLastRuneInString(stem)
			stem = stem[:len(stem)-size]
		}
		out = strings.TrimSpace(stem) + ext
	}
	if out == "" || out == "." || out == ".." {
		return "file"
	}
	return out
}

func normalizeMIME(v string) string {
	v, _, _ = strings.Cut(v, ";")
	return strings.ToLower(strings.TrimSpace(v))
}

// agrees reports whether the sniffed type is compatible with the declared
// one. Generic results (octet-stream, plain text for text/* declarations)
// never count as a disagreement.
func agrees(declared string, detected *mimetype.MIME) bool {
	if detected.Is(declared) {
		return true
	}
	switch {
	case detected.Is("application/octet-stream"):
		return true
	case detected.Is("text/plain") && strings.HasPrefix(declared, "text/"):
		return true
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
