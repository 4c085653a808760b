package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"lignage/api/internal/auth"
	"lignage/api/internal/store"
)

// Uploads are capped well above what the image pipeline produces but low
// enough that one request cannot exhaust memory.
const maxUploadBytes = 32 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)

	// Join links live outside /api so they can be pasted as page URLs.
	if len(parts) == 2 && parts[0] == "join" {
		s.handleJoin(w, r, parts[1])
		return
	}

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "auth" {
		s.handleAuth(w, r, parts[2:])
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "success": true})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "success": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"user_id":       session.UserID,
			"email":         session.Email,
			"success":       true,
		})
		return
	}

	if r.URL.Path == "/api/trees" {
		switch r.Method {
		case http.MethodGet:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			trees, err := s.service.ListTrees(r.Context(), session)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"trees": trees, "success": true})
		case http.MethodPost:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			var body struct {
				Name     string `json:"name"`
				IsPublic bool   `json:"is_public"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			tree, err := s.service.CreateTree(r.Context(), session, body.Name, body.IsPublic)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"tree": treePayload(tree), "success": true})
		default:
			writeError(w, http.StatusNotFound, "not found")
		}
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "tree" {
		s.handleTree(w, r, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "not found")
}

func (s *HTTPServer) handleAuth(w http.ResponseWriter, r *http.Request, rest []string) {
	route := strings.Join(rest, "/")

	switch {
	case r.Method == http.MethodPost && route == "signup":
		var body struct {
			Email       string `json:"email"`
			Password    string `json:"password"`
			DisplayName string `json:"display_name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		result, err := s.service.SignUp(r.Context(), body.Email, body.Password, body.DisplayName)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		payload := map[string]any{"user_id": result.UserID, "success": true}
		if result.DevVerificationToken != "" {
			payload["dev_verification_token"] = result.DevVerificationToken
		}
		writeJSON(w, http.StatusCreated, payload)

	case r.Method == http.MethodPost && route == "signin":
		var body struct {
			Email     string `json:"email"`
			Password  string `json:"password"`
			JoinToken string `json:"joinToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		session, joinedTree, err := s.service.SignIn(r.Context(), body.Email, body.Password, body.JoinToken)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		payload := map[string]any{
			"token":         session.Token,
			"refresh_token": session.RefreshToken,
			"csrf_token":    session.CSRF,
			"user_id":       session.UserID,
			"email":         session.Email,
			"display_name":  session.DisplayName,
			"success":       true,
		}
		if joinedTree != "" {
			payload["joined_tree_id"] = joinedTree
		}
		writeJSON(w, http.StatusOK, payload)

	case r.Method == http.MethodPost && route == "verify-email":
		var body struct {
			Token string `json:"token"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.service.VerifyEmail(r.Context(), body.Token); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case r.Method == http.MethodPost && route == "reset-password/request":
		var body struct {
			Email string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		devToken, err := s.service.RequestPasswordReset(r.Context(), body.Email)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		payload := map[string]any{"success": true}
		if devToken != "" {
			payload["dev_reset_token"] = devToken
		}
		writeJSON(w, http.StatusOK, payload)

	case r.Method == http.MethodPost && route == "reset-password":
		var body struct {
			Token    string `json:"token"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.service.ResetPassword(r.Context(), body.Token, body.Password); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case r.Method == http.MethodPost && route == "refresh":
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":         session.Token,
			"refresh_token": session.RefreshToken,
			"csrf_token":    session.CSRF,
			"success":       true,
		})

	case r.Method == http.MethodPost && route == "logout":
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = decodeBody(r, &body)
		if err := s.service.Logout(r.Context(), session, body.RefreshToken); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case r.Method == http.MethodDelete && route == "account":
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.service.DeleteAccount(r.Context(), session, body.Password); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *HTTPServer) handleTree(w http.ResponseWriter, r *http.Request, treeID string, rest []string) {
	// Reads work for anonymous callers when the tree is public.
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		info, err := s.service.GetTreeInfo(r.Context(), treeID, s.optionalUserID(r))
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"exist":    info.Exist,
			"editable": info.Editable,
			"file":     info.File,
			"demo":     info.Demo,
			"success":  true,
		})
		return

	case len(rest) == 0 && r.Method == http.MethodDelete:
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if err := s.service.DeleteTree(r.Context(), session, treeID); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return

	case len(rest) == 1 && rest[0] == "data" && r.Method == http.MethodGet:
		data, err := s.service.GetTreeData(r.Context(), treeID, s.optionalUserID(r))
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": data, "success": true})
		return

	case len(rest) == 2 && rest[0] == "id" && rest[1] == "new" && r.Method == http.MethodGet:
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		id, err := s.service.NewPersonID(r.Context(), session, treeID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "success": true})
		return

	case len(rest) == 2 && rest[0] == "persons" && rest[1] == "batch" && r.Method == http.MethodPost:
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var input BatchUpdateInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.service.BatchUpdatePersons(r.Context(), session, treeID, input); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return

	case len(rest) == 1 && rest[0] == "search" && r.Method == http.MethodGet:
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		resp, err := s.service.SearchPersons(r.Context(), treeID, s.optionalUserID(r), query, limit)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"results": resp.Results,
			"total":   resp.Total,
			"query":   resp.Query,
			"success": true,
		})
		return

	case len(rest) == 2 && rest[0] == "upload" && r.Method == http.MethodPost:
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		s.handleUpload(w, r, session, treeID, rest[1])
		return

	case len(rest) >= 2 && rest[0] == "file" && r.Method == http.MethodGet:
		objectPath := strings.Join(rest[1:], "/")
		signedURL, err := s.service.ServeFile(r.Context(), treeID, s.optionalUserID(r), objectPath)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		http.Redirect(w, r, signedURL, http.StatusFound)
		return

	case len(rest) == 1 && rest[0] == "invitation" && r.Method == http.MethodPost:
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			Role  string `json:"role"`
			Limit *int   `json:"limit"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		link, err := s.service.CreateInvitation(r.Context(), session, treeID, store.Role(body.Role), body.Limit)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"link": link, "success": true})
		return

	case len(rest) == 2 && rest[0] == "invitation" && r.Method == http.MethodDelete:
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if err := s.service.RevokeInvitation(r.Context(), session, treeID, rest[1]); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return

	case len(rest) == 1 && rest[0] == "share" && r.Method == http.MethodPost:
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			Email string `json:"email"`
			Role  string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.service.ShareTree(r.Context(), session, treeID, body.Email, store.Role(body.Role)); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return

	case len(rest) == 1 && rest[0] == "revoke" && r.Method == http.MethodPost:
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			Email string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.service.RevokeShare(r.Context(), session, treeID, body.Email); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return

	case len(rest) == 1 && rest[0] == "permission" && r.Method == http.MethodPost:
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			Email string `json:"email"`
			Role  string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.service.UpdatePermission(r.Context(), session, treeID, body.Email, store.Role(body.Role)); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	writeError(w, http.StatusNotFound, "not found")
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, session Session, treeID, fileType string) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable upload")
		return
	}

	result, err := s.service.UploadFile(r.Context(), session, treeID, fileType, header.Filename, data)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"url":      result.URL,
		"filename": result.Filename,
		"success":  true,
	})
}

// handleJoin consumes an invitation for the signed-in caller. GET keeps the
// route pasteable as a link target.
func (s *HTTPServer) handleJoin(w http.ResponseWriter, r *http.Request, token string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	treeID, err := s.service.JoinTree(r.Context(), session, token)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tree_id": treeID, "success": true})
}

// requireSession authenticates the caller and, for mutating methods, checks
// the CSRF header against the value bound into the access token.
func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return Session{}, false
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		if r.Header.Get("X-CSRF-Token") != session.CSRF {
			writeError(w, http.StatusForbidden, "csrf token mismatch")
			return Session{}, false
		}
	}
	return session, true
}

// optionalUserID resolves the caller if a valid token is present; anonymous
// callers get the empty id and public-only access.
func (s *HTTPServer) optionalUserID(r *http.Request) string {
	token := bearerToken(r)
	if token == "" {
		return ""
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		return ""
	}
	return session.UserID
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	status, message := mapError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, message)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-CSRF-Token")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error":   message,
		"success": false,
	})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func treePayload(tree store.Tree) map[string]any {
	return map[string]any{
		"id":                 tree.ID,
		"name":               tree.Name,
		"owner_id":           tree.OwnerID,
		"is_public":          tree.IsPublic,
		"allow_file_uploads": tree.AllowFileUploads,
		"is_demo":            tree.IsDemo,
		"created_at":         tree.CreatedAt,
		"updated_at":         tree.UpdatedAt,
	}
}
