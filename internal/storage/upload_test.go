package storage

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"testing"
)

func makeMultipartFile(t *testing.T, filename string, contentType string, content []byte) *multipart.FileHeader {
	t.Helper()
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, "http://example/upload", &b)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	if err := req.ParseMultipartForm(int64(len(b.Bytes())) + 1024); err != nil {
		t.Fatalf("ParseMultipartForm: %v", err)
	}
	fhs := req.MultipartForm.File["file"]
	if len(fhs) == 0 {
		t.Fatalf("no fileheaders parsed")
	}
	// CreateFormFile always declares application/octet-stream; override for stricter testing
	if contentType != "" {
		fhs[0].Header.Set("Content-Type", contentType)
	}
	return fhs[0]
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("png: %v", err)
	}
	return buf.Bytes()
}

func TestReadMultipartImage_PNG(t *testing.T) {
	fh := makeMultipartFile(t, "image.png", "image/png", pngBytes(t))
	data, mime, err := ReadMultipartImage(fh, 10*1024*1024)
	if err != nil {
		t.Fatalf("ReadMultipartImage: %v", err)
	}
	if mime != "image/png" {
		t.Fatalf("mime = %q", mime)
	}
	if len(data) == 0 {
		t.Fatalf("no data returned")
	}
}

func TestReadMultipartImage_ByExtension(t *testing.T) {
	// octet-stream falls back to the extension
	fh := makeMultipartFile(t, "photo.png", "", pngBytes(t))
	if _, mime, err := ReadMultipartImage(fh, 10*1024*1024); err != nil || mime != "image/png" {
		t.Fatalf("mime=%q err=%v", mime, err)
	}
}

func TestReadMultipartImage_RejectsUnsupported(t *testing.T) {
	fh := makeMultipartFile(t, "doc.txt", "text/plain", []byte("text"))
	if _, _, err := ReadMultipartImage(fh, 1024); err == nil {
		t.Fatalf("expected error for unsupported mime")
	}
}

func TestReadMultipartImage_RejectsMismatchedContent(t *testing.T) {
	fh := makeMultipartFile(t, "fake.png", "image/png", []byte("<html>not an image</html>"))
	if _, _, err := ReadMultipartImage(fh, 1024); err == nil {
		t.Fatalf("expected error for non-image content")
	}
}

func TestReadMultipartImage_RespectsMaxBytes(t *testing.T) {
	large := append(pngBytes(t), bytes.Repeat([]byte("x"), 4096)...)
	fh := makeMultipartFile(t, "big.png", "image/png", large)
	if _, _, err := ReadMultipartImage(fh, 1024); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestReadMultipartImage_NilHeader(t *testing.T) {
	if _, _, err := ReadMultipartImage(nil, 1024); err == nil {
		t.Fatalf("expected error")
	}
}
