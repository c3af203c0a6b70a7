// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package apitranslate

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/lemon-gateway/lemon/gwerr"
)

// AudioUpload is a parsed OpenAI-style multipart audio/transcriptions (or
// audio/speech input) request: the uploaded file, saved to a temp path, plus
// the optional form fields the endpoint accepts.
type AudioUpload struct {
	TempPath    string
	FileName    string
	Model       string
	Language    string
	Prompt      string
	Temperature string
	Format      string // response_format
}

// SaveMultipartAudio parses r's multipart form, requires a "file" field, and
// saves it to a new temp file under dir, per spec.md §4.I: "saves to a
// per-session temp file". The caller must call Cleanup on the returned
// AudioUpload unconditionally, success or failure, to remove that temp file.
func SaveMultipartAudio(r *http.Request, dir string) (*AudioUpload, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, gwerr.InvalidRequest("invalid multipart audio upload: %v", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, gwerr.InvalidRequest("missing required \"file\" field: %v", err)
	}
	defer file.Close()

	tmp, err := os.CreateTemp(dir, "lemon-audio-*")
	if err != nil {
		return nil, gwerr.FileError(err, "failed to create temp file for audio upload")
	}
	defer tmp.Close()
	if _, err := io.Copy(tmp, file); err != nil {
		os.Remove(tmp.Name())
		return nil, gwerr.FileError(err, "failed to save audio upload")
	}

	return &AudioUpload{
		TempPath:    tmp.Name(),
		FileName:    header.Filename,
		Model:       r.FormValue("model"),
		Language:    r.FormValue("language"),
		Prompt:      r.FormValue("prompt"),
		Temperature: r.FormValue("temperature"),
		Format:      r.FormValue("response_format"),
	}, nil
}

// Cleanup removes the upload's temp file. Safe to call even if saving failed
// partway; callers should defer it immediately after SaveMultipartAudio
// returns a non-nil upload.
func (u *AudioUpload) Cleanup() {
	if u != nil && u.TempPath != "" {
		os.Remove(u.TempPath)
	}
}

// RebuildMultipart re-encodes the saved audio file (plus any extra fields)
// into a fresh multipart body for forwarding to the backend, which may
// expect different field names or a subset of the original form. Returns the
// encoded body and its Content-Type (including the boundary).
func RebuildMultipart(u *AudioUpload, fileField string, extraFields map[string]string) (body *bytes.Buffer, contentType string, err error) {
	f, err := os.Open(u.TempPath)
	if err != nil {
		return nil, "", gwerr.FileError(err, "failed to reopen saved audio upload")
	}
	defer f.Close()

	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile(fileField, u.FileName)
	if err != nil {
		return nil, "", gwerr.FileError(err, "failed to build forwarded multipart body")
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", gwerr.FileError(err, "failed to copy audio into forwarded multipart body")
	}
	for k, v := range extraFields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, "", gwerr.FileError(err, "failed to write field %q into forwarded multipart body", k)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", gwerr.FileError(err, "failed to finalize forwarded multipart body")
	}
	return buf, w.FormDataContentType(), nil
}
