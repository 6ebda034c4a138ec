// Package upload implements the upload (multipart or raw POST body) and
// delete behaviors of spec.md §4.6. Grounded on
// original_source/src/server/mod.rs's handle_multipart_upload for the
// overall shape (sanitize filename, write under upload_dir) but using
// the standard library's mime/multipart parser instead of a hand-rolled
// boundary scanner (original_source has one only because Rust's std
// lacks one — see SPEC_FULL.md §3), and adding the atomic
// temp-file-then-rename write spec.md §6 requires and the original does
// not do.
package upload

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/helouazizi/localserver/internal/httpmsg"
	"github.com/helouazizi/localserver/internal/respwriter"
)

// Store dispatches a completed upload request's body into uploadDir,
// either as one or more multipart parts or as a single raw-body file.
func Store(req *httpmsg.Request, uploadDir string) (*respwriter.Response, error) {
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: mkdir: %w", err)
	}

	contentType := req.Headers.Get("Content-Type")
	mediaType, params, _ := mime.ParseMediaType(contentType)

	var stored []string
	var err error
	if mediaType == "multipart/form-data" {
		stored, err = storeMultipart(req.Body, params["boundary"], uploadDir)
	} else {
		stored, err = storeRaw(req, uploadDir)
	}
	if err != nil {
		return nil, err
	}

	body := buildListingBody(stored)
	resp := respwriter.NewBytes(201, "application/json", body)
	return resp, nil
}

func storeMultipart(body []byte, boundary, uploadDir string) ([]string, error) {
	if boundary == "" {
		return nil, fmt.Errorf("upload: missing multipart boundary")
	}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	var stored []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			rollback(uploadDir, stored)
			return nil, fmt.Errorf("upload: multipart: %w", err)
		}
		filename := part.FileName()
		if filename == "" {
			part.Close()
			continue // field without a filename is not a file part
		}
		name, err := writePart(part, uploadDir, filename)
		part.Close()
		if err != nil {
			rollback(uploadDir, stored)
			return nil, err
		}
		stored = append(stored, name)
	}
	return stored, nil
}

func storeRaw(req *httpmsg.Request, uploadDir string) ([]string, error) {
	filename := filenameFromRequest(req)
	name, err := writePart(bytes.NewReader(req.Body), uploadDir, filename)
	if err != nil {
		return nil, err
	}
	return []string{name}, nil
}

func filenameFromRequest(req *httpmsg.Request) string {
	if cd := req.Headers.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if fn := params["filename"]; fn != "" {
				return fn
			}
		}
	}
	if fn := req.Headers.Get("X-Filename"); fn != "" {
		return fn
	}
	return fmt.Sprintf("upload-%d.bin", generatedID())
}

var idCounter uint64

func generatedID() uint64 {
	idCounter++
	return idCounter
}

// writePart writes src into a sanitized path under uploadDir, atomically
// via a temp-name-then-rename, per spec.md §6. On failure the partial
// temp file is removed.
func writePart(src io.Reader, uploadDir, filename string) (string, error) {
	safeName := filepath.Base(filename)
	if safeName == "" || safeName == "." || safeName == string(filepath.Separator) {
		return "", fmt.Errorf("upload: invalid filename %q", filename)
	}
	finalPath := filepath.Join(uploadDir, safeName)
	tmpPath := finalPath + ".part"

	tmp, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("upload: create temp: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("upload: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("upload: close: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("upload: rename: %w", err)
	}
	return safeName, nil
}

func rollback(uploadDir string, stored []string) {
	for _, name := range stored {
		os.Remove(filepath.Join(uploadDir, name))
	}
}

func buildListingBody(stored []string) []byte {
	var b strings.Builder
	b.WriteString(`{"stored":[`)
	for i, name := range stored {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q", name)
	}
	b.WriteString("]}")
	return []byte(b.String())
}

// Delete implements spec.md §4.6 DELETE: unlink the resolved path,
// mapping filesystem errors onto the required statuses.
func Delete(fullPath string) *respwriter.Response {
	err := os.Remove(fullPath)
	switch {
	case err == nil:
		return respwriter.New(204)
	case os.IsNotExist(err):
		return respwriter.NewBytes(404, "text/plain; charset=utf-8", []byte("404 Not Found"))
	case os.IsPermission(err):
		return respwriter.NewBytes(403, "text/plain; charset=utf-8", []byte("403 Forbidden"))
	default:
		return respwriter.NewBytes(500, "text/plain; charset=utf-8", []byte("500 Internal Server Error"))
	}
}

