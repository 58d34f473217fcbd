package handlers

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"parley/internal/messaging"
)

// multipartSlack covers the multipart framing around the file part.
const multipartSlack = 64 << 10

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	maxBytes := h.opts.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartSlack)

	mr, err := r.MultipartReader()
	if err != nil {
		errResp(w, http.StatusBadRequest, "multipart form required")
		return
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				errResp(w, http.StatusBadRequest, fmt.Sprintf("file too large (max %dMB)", maxBytes>>20))
				return
			}
			errResp(w, http.StatusBadRequest, "no file provided")
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}

		// The part body is streamed straight to the blob store.
		att, err := h.svc.StageUpload(r.Context(), caller(r), messaging.Upload{
			FileName:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Body:        part,
		})
		part.Close()
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				errResp(w, http.StatusBadRequest, fmt.Sprintf("file too large (max %dMB)", maxBytes>>20))
				return
			}
			h.fail(w, r, err)
			return
		}
		created(w, att)
		return
	}
}

// ServeUpload streams a stored blob. Content is always served as a
// download and never sniffed.
func (h *Handler) ServeUpload(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if p == "" || strings.Contains(p, "..") {
		errResp(w, http.StatusBadRequest, "invalid path")
		return
	}
	obj, err := h.svc.OpenBlob(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer obj.Close()
	st, err := obj.Stat()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	name := path.Base(p)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, name, st.ModTime(), obj)
}
