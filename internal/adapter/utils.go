package adapter

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spbridge/spbridge/pkg/constants"
)

// maskSecret masks sensitive information for logging
func maskSecret(s string) string {
	if len(s) <= constants.MinSecretLengthForMasking {
		return "***"
	}
	return s[:constants.SecretMaskPrefixLength] + "***" + s[len(s)-constants.SecretMaskSuffixLength:]
}

// FileNameFromURL extracts the last path segment of a URL, e.g.
// "http://abc.com/some/path/filename.jpg?x=y" -> "filename.jpg".
// Invalid or empty URLs yield "".
func FileNameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return ""
	}
	path := u.Path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// decodedFileName is FileNameFromURL with percent-encoding removed, used
// where the segment becomes a user-visible attachment name.
func decodedFileName(rawURL string) string {
	name := FileNameFromURL(rawURL)
	if decoded, err := url.PathUnescape(name); err == nil {
		return decoded
	}
	return name
}

// downloadToFile fetches fileURL into destPath. Extra headers are applied
// when the source endpoint is authenticated. The destination is removed on
// any failure so callers never see a partial file.
func downloadToFile(client *http.Client, fileURL string, header http.Header, destPath string) error {
	req, err := http.NewRequest(http.MethodGet, fileURL, nil)
	if err != nil {
		return err
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", fileURL, resp.StatusCode)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(destPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(destPath)
		return err
	}
	return nil
}
