package torrentmeta

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// InfoHashFromMagnet extracts and normalizes the 40-hex infohash from a
// magnet URI's xt=urn:btih: parameter. Magnets may encode the hash in either
// 40-char hex or 32-char base32; both are normalized to lowercase hex.
func InfoHashFromMagnet(magnet string) (string, error) {
	u, err := url.Parse(magnet)
	if err != nil {
		return "", fmt.Errorf("parse magnet uri: %w", err)
	}
	if u.Scheme != "magnet" {
		return "", fmt.Errorf("not a magnet uri")
	}

	for _, xt := range u.Query()["xt"] {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(strings.ToLower(xt), prefix) {
			continue
		}
		raw := xt[len(prefix):]
		switch len(raw) {
		case 40:
			if _, err := hex.DecodeString(raw); err != nil {
				return "", fmt.Errorf("malformed hex infohash: %w", err)
			}
			return strings.ToLower(raw), nil
		case 32:
			decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(raw))
			if err != nil || len(decoded) != 20 {
				return "", fmt.Errorf("malformed base32 infohash")
			}
			return hex.EncodeToString(decoded), nil
		default:
			return "", fmt.Errorf("infohash has unexpected length %d", len(raw))
		}
	}
	return "", fmt.Errorf("magnet uri has no btih xt parameter")
}
