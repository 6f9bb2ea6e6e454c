package render

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/postalworks/batchpress/pkg/errors"
)

// QRPNG encodes a recipient's tracking URL as a QR code PNG with the given
// edge length in pixels. Medium error correction matches what mail scanners
// tolerate on printed cards.
func QRPNG(payload string, sizePx int) ([]byte, error) {
	if payload == "" {
		return nil, errors.New(errors.ErrCodeInvalidRecipient, "empty QR payload")
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, sizePx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidRecipient, err, "encode QR payload")
	}
	return png, nil
}

// QRDataURL encodes a QR code as a data: URL suitable for direct use as an
// image source inside the rendering surface, avoiding a network fetch per
// recipient.
func QRDataURL(payload string, sizePx int) (string, error) {
	png, err := QRPNG(payload, sizePx)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
