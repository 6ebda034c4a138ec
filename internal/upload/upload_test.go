package upload

import (
	"bytes"
	"mime/multipart"
	"os"
	"path/filepath"
	"testing"

	"github.com/helouazizi/localserver/internal/httpmsg"
)

func TestStoreRawBody(t *testing.T) {
	dir := t.TempDir()
	req := &httpmsg.Request{Headers: httpmsg.NewHeader(), Body: []byte("hello")}
	req.Headers.Set("X-Filename", "greeting.txt")

	resp, err := Store(req, dir)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if resp.Status != 201 {
		t.Fatalf("Status = %d, want 201", resp.Status)
	}
	data, err := os.ReadFile(filepath.Join(dir, "greeting.txt"))
	if err != nil {
		t.Fatalf("file not written: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("file content = %q, want hello", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "greeting.txt.part")); !os.IsNotExist(err) {
		t.Fatalf("temp file should have been renamed away")
	}
}

func TestStoreMultipart(t *testing.T) {
	dir := t.TempDir()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "a.txt")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte("file-a"))
	if err := mw.WriteField("note", "not a file"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	mw.Close()

	req := &httpmsg.Request{Headers: httpmsg.NewHeader(), Body: body.Bytes()}
	req.Headers.Set("Content-Type", mw.FormDataContentType())

	resp, err := Store(req, dir)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if resp.Status != 201 {
		t.Fatalf("Status = %d, want 201", resp.Status)
	}
	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	if err != nil {
		t.Fatalf("file not written: %v", err)
	}
	if string(data) != "file-a" {
		t.Fatalf("file content = %q, want file-a", data)
	}
}

func TestDeleteMissingIs404(t *testing.T) {
	dir := t.TempDir()
	resp := Delete(filepath.Join(dir, "missing"))
	if resp.Status != 404 {
		t.Fatalf("Status = %d, want 404", resp.Status)
	}
}

func TestDeleteExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	resp := Delete(path)
	if resp.Status != 204 {
		t.Fatalf("Status = %d, want 204", resp.Status)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file should have been removed")
	}
}
