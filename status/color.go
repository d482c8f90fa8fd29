package status

import (
	"encoding/hex"

	"github.com/juju/errors"
)

// ParseColor parses printer color code RRGGBBAA, exactly 8 hex digits.
func ParseColor(s string) (RGBA, error) {
	if len(s) != 8 {
		return RGBA{}, errors.NotValidf("color=%q length", s)
	}
	var b [4]byte
	if _, err := hex.Decode(b[:], []byte(s)); err != nil {
		return RGBA{}, errors.NewNotValid(err, "color="+s)
	}
	return RGBA{R: b[0], G: b[1], B: b[2], A: b[3]}, nil
}
