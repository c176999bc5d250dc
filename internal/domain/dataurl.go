package domain

import (
	"encoding/base64"
	"errors"
	"strings"
)

// DataURL encodes the image bytes as a base64 data: URL.
func (i Image) DataURL() string {
	mt := i.MIMEType
	if mt == "" {
		mt = "application/octet-stream"
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// ParseDataURL decodes a base64 data: URL into an inline image.
func ParseDataURL(s string) (Image, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return Image{}, errors.New("domain: not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Image{}, errors.New("domain: data URL has no payload")
	}
	mt, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return Image{}, errors.New("domain: data URL is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, errors.New("domain: data URL payload is not valid base64")
	}
	if len(data) == 0 {
		return Image{}, errors.New("domain: data URL payload is empty")
	}
	return Image{MIMEType: mt, Data: data}, nil
}
