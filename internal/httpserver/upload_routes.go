package httpserver

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"portalchat/internal/domain"
	"portalchat/internal/logger"
)

// UploadRoutes returns the sub-router mounted at /api/v1/uploads. Uploaded
// files become attachment descriptors that clients pass along with
// send_message; nothing is recorded in the database until then.
func UploadRoutes(dir string, maxBytes int64, auth func(http.Handler) http.Handler, log logger.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(auth)
	r.Post("/", handleUpload(dir, maxBytes, log))

	r.Get("/{filename}", func(w http.ResponseWriter, r *http.Request) {
		filename := chi.URLParam(r, "filename")
		// Reject anything that could escape the upload directory.
		if filename == "" || filepath.Base(filename) != filename || strings.HasPrefix(filename, ".") {
			writeError(w, log, r, fmt.Errorf("%w: invalid filename", domain.ErrInvalidInput))
			return
		}
		http.ServeFile(w, r, filepath.Join(dir, filename))
	})

	return r
}

// @Summary      Upload a file
// @Description  Stores a file and returns the attachment descriptor to send with a message
// @Tags         uploads
// @Accept       multipart/form-data
// @Produce      json
// @Security     BearerAuth
// @Param        file formData file true "File"
// @Success      201  {object}  envelope{data=domain.Attachment}
// @Failure      400  {object}  envelope
// @Router       /uploads [post]
func handleUpload(dir string, maxBytes int64, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1<<20)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, log, r, fmt.Errorf("%w: file exceeds %d bytes", domain.ErrInvalidInput, maxBytes))
				return
			}
			writeError(w, log, r, fmt.Errorf("%w: failed to parse multipart form", domain.ErrInvalidInput))
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, log, r, fmt.Errorf("%w: missing file", domain.ErrInvalidInput))
			return
		}
		defer file.Close()

		if header.Size > maxBytes {
			writeError(w, log, r, fmt.Errorf("%w: file exceeds %d bytes", domain.ErrInvalidInput, maxBytes))
			return
		}
		ext := strings.ToLower(filepath.Ext(header.Filename))
		if ext == "" {
			writeError(w, log, r, fmt.Errorf("%w: file must have an extension", domain.ErrInvalidInput))
			return
		}

		id := uuid.NewString()
		stored := id + ext
		out, err := os.Create(filepath.Join(dir, stored))
		if err != nil {
			writeError(w, log, r, fmt.Errorf("create upload: %w", err))
			return
		}
		defer out.Close()

		sum := sha256.New()
		head := make([]byte, 512)
		n, _ := io.ReadFull(file, head)
		head = head[:n]
		size, err := io.Copy(io.MultiWriter(out, sum), io.MultiReader(bytes.NewReader(head), file))
		if err != nil {
			os.Remove(out.Name())
			writeError(w, log, r, fmt.Errorf("save upload: %w", err))
			return
		}

		mimeType := detectMime(ext, head)
		checksum := hex.EncodeToString(sum.Sum(nil))
		url := "/api/v1/uploads/" + stored
		user := CurrentUser(r)

		writeOK(w, http.StatusCreated, "file uploaded", domain.Attachment{
			ID:          id,
			Filename:    filepath.Base(header.Filename),
			Type:        attachmentType(mimeType, ext),
			URL:         url,
			SizeBytes:   size,
			MimeType:    mimeType,
			DownloadURL: &url,
			Checksum:    &checksum,
			UploadedBy:  user.ID,
			UploadedAt:  time.Now().UTC(),
		})
	}
}

func detectMime(ext string, head []byte) string {
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return http.DetectContentType(head)
}

var codeExtensions = map[string]struct{}{
	".go": {}, ".py": {}, ".js": {}, ".ts": {}, ".java": {}, ".c": {}, ".cpp": {}, ".h": {},
	".rs": {}, ".rb": {}, ".php": {}, ".sql": {}, ".sh": {}, ".json": {}, ".yaml": {}, ".yml": {},
}

func attachmentType(mimeType, ext string) domain.AttachmentType {
	if _, ok := codeExtensions[ext]; ok {
		return domain.AttachmentCode
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return domain.AttachmentImage
	case strings.HasPrefix(mimeType, "video/"):
		return domain.AttachmentVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return domain.AttachmentAudio
	case strings.HasPrefix(mimeType, "text/"),
		mimeType == "application/pdf",
		strings.Contains(mimeType, "document"),
		strings.Contains(mimeType, "msword"),
		strings.Contains(mimeType, "spreadsheet"),
		strings.Contains(mimeType, "presentation"):
		return domain.AttachmentDocument
	}
	return domain.AttachmentOther
}
