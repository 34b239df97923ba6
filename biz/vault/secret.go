package bizvault

import "unicode/utf8"

const redacted = "[REDACTED]"

// Secret holds a decrypted credential. It never prints or serializes its value; call Reveal at
// the point of use.
type Secret string

func (s Secret) Reveal() string {
	return string(s)
}

func (s Secret) IsEmpty() bool {
	return s == ""
}

func (s Secret) String() string {
	return redacted
}

func (s Secret) GoString() string {
	return redacted
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// Hint returns a masked form exposing only the last four characters.
func Hint(plaintext string) string {
	if utf8.RuneCountInString(plaintext) <= 4 {
		return "****"
	}
	runes := []rune(plaintext)
	return "****" + string(runes[len(runes)-4:])
}
