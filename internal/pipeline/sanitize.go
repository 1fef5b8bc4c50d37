package pipeline

import (
	"strings"
	"unicode"

	scouterrors "scout/internal/errors"
)

// MaxSubjectRunes caps the subject handed to the pipeline.
const MaxSubjectRunes = 500

// MaxSessionIDLength caps session ids, which double as directory names.
const MaxSessionIDLength = 128

const shellMeta = "`$;|&<>\\'\"(){}[]*?!#~"

// SanitizeSubject strips shell metacharacters and control characters from a
// research subject, collapses whitespace and caps the length. The result is
// safe to pass as a single process argument.
func SanitizeSubject(subject string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case strings.ContainsRune(shellMeta, r):
			return -1
		case unicode.IsControl(r), unicode.IsSpace(r):
			return ' '
		default:
			return r
		}
	}, strings.ToValidUTF8(subject, ""))
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if runes := []rune(cleaned); len(runes) > MaxSubjectRunes {
		cleaned = strings.TrimSpace(string(runes[:MaxSubjectRunes]))
	}
	if cleaned == "" {
		return "", &scouterrors.LaunchError{Reason: "subject is empty after sanitization", Err: scouterrors.ErrInvalidInput}
	}
	return cleaned, nil
}

// ValidateSessionID checks that id can be used verbatim as a directory name
// under the output root.
func ValidateSessionID(id string) error {
	reason := ""
	switch {
	case id == "":
		reason = "session id is empty"
	case len(id) > MaxSessionIDLength:
		reason = "session id is too long"
	case id == "." || id == "..":
		reason = "session id is a relative path element"
	default:
		for _, r := range id {
			if !isSessionIDRune(r) {
				reason = "session id contains unsupported characters"
				break
			}
		}
	}
	if reason == "" {
		return nil
	}
	return &scouterrors.LaunchError{SessionID: id, Reason: reason, Err: scouterrors.ErrInvalidInput}
}

func isSessionIDRune(r rune) bool {
	return r == '.' || r == '_' || r == '-' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
