package report

import (
	"errors"
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	defaultQRSize = 128
	sha256HexLen  = 64
)

var ErrBadHash = errors.New("report: log hash must be 64 hex digits")

// LogHashToQR renders a PNG QR code carrying "SHA256:" and the upper-case
// digest, the form the field tablet scanner matches against its manifest.
func LogHashToQR(hash string, size int) ([]byte, error) {
	digest := normalizeHash(hash)
	if len(digest) != sha256HexLen {
		return nil, fmt.Errorf("%w: got %d", ErrBadHash, len(digest))
	}
	if size <= 0 {
		size = defaultQRSize
	}
	return qrcode.Encode("SHA256:"+digest, qrcode.Medium, size)
}

// normalizeHash drops everything but hex digits and upper-cases the rest.
func normalizeHash(hash string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(hash) {
		if (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
