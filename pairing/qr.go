package pairing

import (
	qr "github.com/skip2/go-qrcode"
)

// GenerateQR renders the sealed envelope string as a QR PNG, sized the
// way the mobile scanner expects.
func GenerateQR(content string) ([]byte, error) {
	data, err := qr.Encode(content, qr.Medium, 256)
	if err != nil {
		return nil, err
	}
	return data, nil
}
