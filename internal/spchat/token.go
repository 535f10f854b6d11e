package spchat

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// MIME types recorded in file tokens. The backend does not report a content
// type, so images are assumed JPEG and everything else is an opaque blob.
const (
	MimeImage = "image/jpeg"
	MimeBlob  = "application/octet-stream"
)

// FileToken is the capability reference embedded in relay-hosted file URLs.
// It carries everything needed to fetch the file from the backend on behalf
// of the chat participant.
type FileToken struct {
	Mime   string `json:"mime"`
	UserID string `json:"userId"`
	ChatID string `json:"chatId"`
	FileID string `json:"fileId"`
}

// Encode serializes the token for use as a URL path segment.
func (t FileToken) Encode() string {
	data, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeFileToken is the inverse of Encode. Malformed input yields an error,
// never a partial token.
func DecodeFileToken(s string) (FileToken, error) {
	var t FileToken
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return FileToken{}, err
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return FileToken{}, err
	}
	return t, nil
}

// slugFileName reduces a file name to a URL-safe trailing path segment.
// The segment is cosmetic; the token alone identifies the file.
func slugFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}
