package repository

import (
	"errors"
	"fmt"
	"strings"
)

// An ID is the lowercase hex name of a Git object: 40 digits in a
// SHA-1 repository, 64 in a SHA-256 one.
type ID string

// ZeroID is the all-zero SHA-1 object ID.  It stands for "no object"
// in ref update commands and in the advertisement of an empty
// repository.
const ZeroID ID = "0000000000000000000000000000000000000000"

var errBadID = errors.New("repository: malformed object ID")

// ParseID validates s as an object ID and returns it in canonical
// lowercase form.
func ParseID(s string) (ID, error) {
	if len(s) != 40 && len(s) != 64 {
		return "", errBadID
	}
	s = strings.ToLower(s)
	for _, r := range s {
		if !isHex(r) {
			return "", errBadID
		}
	}
	return ID(s), nil
}

func isHex(r rune) bool {
	return r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F'
}

// IsZero returns true if the ID consists solely of zero digits, i.e.
// names no object.
func (id ID) IsZero() bool {
	if id == "" {
		return true
	}
	return strings.Trim(string(id), "0") == ""
}

// String returns the ID as a string.
func (id ID) String() string { return string(id) }

// Scan is a support routine for fmt.Scanner.  The format verb is
// ignored; Scan always reads a run of hex digits and validates it as
// an object ID.
func (id *ID) Scan(ss fmt.ScanState, verb rune) error {
	tok, err := ss.Token(true, isHex)
	if err != nil {
		return err
	}
	parsed, err := ParseID(string(tok))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
