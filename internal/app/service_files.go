package app

import (
	"context"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"lignage/api/internal/imgproc"
)

var safeExt = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)

// UploadResult is returned after storing an uploaded file.
type UploadResult struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// UploadFile stores an uploaded object under the tree's prefix. Images are
// re-encoded through the processing pipeline; documents are stored verbatim.
// The client-supplied filename only ever contributes an extension.
func (s *Service) UploadFile(ctx context.Context, session Session, treeID, fileType, filename string, data []byte) (UploadResult, error) {
	tree, perms, err := s.loadTree(ctx, treeID, session.UserID)
	if err != nil {
		return UploadResult{}, err
	}
	if !perms.CanEdit {
		return UploadResult{}, domainError(http.StatusForbidden, "edit permission required")
	}
	if !tree.AllowFileUploads {
		return UploadResult{}, domainError(http.StatusForbidden, "file uploads are disabled for this tree")
	}
	if len(data) == 0 {
		return UploadResult{}, domainError(http.StatusBadRequest, "empty upload")
	}

	var objectPath, contentType string
	switch fileType {
	case "image":
		processed, err := imgproc.Process(data)
		if err != nil {
			return UploadResult{}, domainError(http.StatusBadRequest, "unreadable image")
		}
		data = processed
		objectPath = treeID + "/images/" + uuid.NewString() + ".webp"
		contentType = "image/webp"
	case "document":
		ext := strings.ToLower(filepath.Ext(filename))
		if !safeExt.MatchString(ext) {
			ext = ""
		}
		objectPath = treeID + "/documents/" + uuid.NewString() + ext
		contentType = mime.TypeByExtension(ext)
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	default:
		return UploadResult{}, domainError(http.StatusBadRequest, "upload type must be image or document")
	}

	if err := s.files.Upload(ctx, objectPath, data, contentType); err != nil {
		return UploadResult{}, err
	}

	return UploadResult{
		URL:      "/api/tree/" + treeID + "/file/" + objectPath,
		Filename: filepath.Base(objectPath),
	}, nil
}

// ServeFile resolves a stored object to a short-lived signed URL. The object
// path must live under the requesting tree's prefix; traversal forms and
// cross-tree paths are rejected before touching storage.
func (s *Service) ServeFile(ctx context.Context, treeID, userID, objectPath string) (string, error) {
	_, perms, err := s.loadTree(ctx, treeID, userID)
	if err != nil {
		return "", err
	}
	if !perms.CanView {
		return "", domainError(http.StatusForbidden, "no access to this tree")
	}

	if !strings.HasPrefix(objectPath, treeID+"/") || strings.Contains(objectPath, "..") {
		return "", domainError(http.StatusForbidden, "file path outside this tree")
	}

	url, err := s.files.PresignedGet(ctx, objectPath, s.cfg.SignedURLTTL)
	if err != nil {
		return "", err
	}
	return url, nil
}
