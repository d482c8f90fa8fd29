package cli

import (
	"strings"

	"github.com/juju/errors"
	qrcode "github.com/skip2/go-qrcode"
)

// QRString renders text as QR code of terminal blocks,
// two characters per module so it looks square.
func QRString(text string, border bool, level qrcode.RecoveryLevel) (string, error) {
	qr, err := qrcode.New(text, level)
	if err != nil {
		return "", errors.Annotate(err, "QR")
	}
	qr.DisableBorder = !border
	bitmap := qr.Bitmap()
	b := strings.Builder{}
	b.Grow(len(bitmap) * (len(bitmap)*len("██") + 1)) // +1 for \n
	for _, row := range bitmap {
		for _, black := range row {
			// dark terminal: black module is blank, white module is block
			if black {
				b.WriteString("  ")
			} else {
				b.WriteString("██")
			}
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}
