package session

import (
	"encoding/base64"

	"github.com/pkg/errors"
	qrcode "github.com/skip2/go-qrcode"
)

// PayloadEncoder turns the raw pairing code emitted by a Client into the
// pairingPayload that is persisted for the operator.
type PayloadEncoder func(raw string) (string, error)

const qrImageSize = 256

// QRDataURL renders raw as a PNG QR code embedded in a data URL.
func QRDataURL(raw string) (string, error) {
	png, err := qrcode.Encode(raw, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", errors.Wrap(err, "encoding pairing qr code")
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// RawPayload persists the pairing code unchanged.
func RawPayload(raw string) (string, error) {
	return raw, nil
}
