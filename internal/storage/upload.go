package storage

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/shotfolio/internal/common"
)

// ErrTooLarge is returned when an upload exceeds the size limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

var allowedImageMimes = map[string]string{
	common.MimeImagePNG:  ".png",
	common.MimeImageJPEG: ".jpg",
	common.MimeImageJPG:  ".jpg",
	common.MimeImageWEBP: ".webp",
}

// ReadMultipartImage validates an uploaded image (png/jpg/webp) and returns its
// bytes with the sniffed content type. The declared type must be an image type
// and agree with the content.
func ReadMultipartImage(fileHeader *multipart.FileHeader, maxBytes int64) ([]byte, string, error) {
	if fileHeader == nil {
		return nil, "", fmt.Errorf("no file provided")
	}
	mimeType := fileHeader.Header.Get("Content-Type")
	// Some clients set application/octet-stream for uploads; treat it as unknown and fall back to extension.
	if mimeType == "" || strings.EqualFold(strings.TrimSpace(mimeType), "application/octet-stream") {
		ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
		mimeType = mime.TypeByExtension(ext)
	}
	if !isAllowedImageMime(mimeType) {
		return nil, "", fmt.Errorf("unsupported content type: %s", mimeType)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return nil, "", fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()

	data, err := io.ReadAll(io.LimitReader(src, maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, "", ErrTooLarge
	}
	sniffed := http.DetectContentType(data)
	if !isAllowedImageMime(sniffed) {
		return nil, "", fmt.Errorf("content is %s, not an image", sniffed)
	}
	return data, sniffed, nil
}

func isAllowedImageMime(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	_, ok := allowedImageMimes[mt]
	return ok
}
