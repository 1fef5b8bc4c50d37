// Package artifacts discovers the files a pipeline run leaves in its
// session directory, announces each exactly once, and expires old output.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// ReportStem replaces the opaque identifier pipelines put in front of
// their output file names.
const ReportStem = "report"

// DisplayName maps an opaque output filename to its stable display name:
// "3f9c1a_report_fr.md" becomes "report_fr.md" and "3f9c1a.pdf" becomes
// "report.pdf".
func DisplayName(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if lang := LanguageSuffix(filename); lang != "" {
		return ReportStem + "_" + lang + ext
	}
	return ReportStem + ext
}

// LanguageSuffix returns the trailing two or three letter language code of
// the stem, or "" when there is none.
func LanguageSuffix(filename string) string {
	base := filepath.Base(filename)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	idx := strings.LastIndex(stem, "_")
	if idx <= 0 {
		return ""
	}
	code := stem[idx+1:]
	if len(code) < 2 || len(code) > 3 {
		return ""
	}
	for _, r := range code {
		if r > unicode.MaxASCII || !unicode.IsLetter(r) {
			return ""
		}
	}
	return strings.ToLower(code)
}

// FileID derives a stable artifact id from the physical filename.
func FileID(filename string) string {
	sum := sha256.Sum256([]byte(filepath.Base(filename)))
	return hex.EncodeToString(sum[:])[:16]
}

// FileType is the extension without the dot, lowercased.
func FileType(filename string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

// uniqueName appends -2, -3... before the extension until name is unused.
func uniqueName(name string, taken func(string) bool) string {
	if !taken(name) {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, i, ext)
		if !taken(candidate) {
			return candidate
		}
	}
}
