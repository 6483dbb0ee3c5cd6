package models

import "fmt"

// MaxIDLength bounds task ids, rule ids and workload references.
const MaxIDLength = 128

// ValidateID accepts 1 to MaxIDLength characters from [A-Za-z0-9._-] that
// start with a letter or digit. Ids appear in URL paths and in the rendered
// proxy config, so anything else is rejected with ErrInvalidID.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidID, MaxIDLength)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case i > 0 && (c == '.' || c == '_' || c == '-'):
		default:
			return fmt.Errorf("%w: %q has invalid character %q at %d", ErrInvalidID, id, c, i)
		}
	}
	return nil
}
