package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"reviewchat/internal/auth"
	"reviewchat/internal/config"
	"reviewchat/internal/controller"
	"reviewchat/internal/models"
	"reviewchat/internal/service/prompt"
	"reviewchat/internal/service/transcript"
	"reviewchat/internal/worker"
)

// WorkerManager is the slice of the runner manager the handlers need.
type WorkerManager interface {
	RunCycle(worker.CycleRequest) (*worker.CycleResponse, error)
	Purge(sessionID int64)
	InvalidateState(sessionID int64)
}

// Handler wires HTTP routes to the transcript service and the per-session
// runners.
type Handler struct {
	transcripts *transcript.Service
	auth        *auth.Service
	workers     WorkerManager
	cfg         *config.Config
	fileBase    string
	fileTTL     time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(transcripts *transcript.Service, authService *auth.Service, workers WorkerManager, cfg *config.Config, fileBase string, fileTTL time.Duration) *Handler {
	return &Handler{
		transcripts: transcripts,
		auth:        authService,
		workers:     workers,
		cfg:         cfg,
		fileBase:    fileBase,
		fileTTL:     fileTTL,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/sessions", h.createSession)
	authMW := h.auth.Middleware()
	sessionRoutes := api.Group("/sessions/:id")
	sessionRoutes.Use(authMW, h.requirePathSession(), h.auth.CSRFMiddleware())
	sessionRoutes.GET("", h.getTranscript)
	sessionRoutes.DELETE("", h.deleteSession)
	sessionRoutes.POST("/uploads", h.uploadFile)
	sessionRoutes.POST("/cycle", h.runCycle)
}

// check the session key's session matches the path session id
func (h *Handler) requirePathSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, ok := auth.SessionIDFromContext(c)
		if !ok || sessionID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session key required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
		if paramID != sessionID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "session mismatch"})
			return
		}
		c.Next()
	}
}

func (h *Handler) authorizedSessionID(c *gin.Context) (int64, bool) {
	sessionID, ok := auth.SessionIDFromContext(c)
	if !ok || sessionID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session key required"})
		return 0, false
	}
	return sessionID, true
}

type createSessionRequest struct {
	Title    string `json:"title"`
	Persona  string `json:"persona"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	personaName := strings.TrimSpace(req.Persona)
	if personaName == "" {
		personaName = h.cfg.BasicConfig.DefaultPersona
	}
	if personaName == "" {
		personaName = string(prompt.PersonaAnalyze)
	}
	persona, err := prompt.Parse(personaName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		provider = h.cfg.BasicConfig.DefaultProvider
	}
	provCfg, err := h.cfg.Provider(provider)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	modelName := strings.TrimSpace(req.Model)
	if modelName == "" {
		modelName = provCfg.Model
	}

	session, err := h.transcripts.CreateSession(c.Request.Context(), req.Title, string(persona), provider, modelName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.APIKey) != "" {
		if err := h.transcripts.SetSessionAPIKey(c.Request.Context(), session.ID, req.APIKey); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	sessionKey, err := h.auth.IssueKey(c.Request.Context(), session.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue session key failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue session key failed"})
		return
	}
	h.setAuthCookies(c, sessionKey, csrfToken)
	c.JSON(http.StatusCreated, gin.H{
		"session_id":  session.ID,
		"session_key": sessionKey,
		"title":       session.Title,
		"persona":     session.Persona,
		"provider":    session.Provider,
		"model":       session.Model,
		"greeting":    transcript.Greeting,
		"created_at":  session.CreatedAt,
	})
}

func (h *Handler) getTranscript(c *gin.Context) {
	sessionID, ok := h.authorizedSessionID(c)
	if !ok {
		return
	}
	session, turns, err := h.transcripts.GetSessionWithTurns(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session": session,
		"turns":   turns,
	})
}

func (h *Handler) deleteSession(c *gin.Context) {
	sessionID, ok := h.authorizedSessionID(c)
	if !ok {
		return
	}
	if err := h.transcripts.DeleteSession(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.workers.Purge(sessionID)
	_ = h.auth.RevokeSessionKeys(c.Request.Context(), sessionID)
	_ = os.RemoveAll(filepath.Join(h.fileBase, strconv.FormatInt(sessionID, 10)))
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

// cycle input interface
type cycleRequest struct {
	Content string  `json:"content"`
	FileIDs []int64 `json:"file_ids"`
}

func (h *Handler) runCycle(c *gin.Context) {
	sessionID, ok := h.authorizedSessionID(c)
	if !ok {
		return
	}
	var req cycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	uploads, err := h.resolveUploads(c.Request.Context(), sessionID, req.FileIDs)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, sql.ErrNoRows) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	streamCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()
	// SSE response construction
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		var data []byte
		switch v := payload.(type) {
		case string:
			data = []byte(v)
		default:
			var err error
			data, err = json.Marshal(v)
			if err != nil {
				return err
			}
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := sendEvent("ack", gin.H{
		"session_id": sessionID,
		"content":    req.Content,
		"uploads":    len(uploads),
	}); err != nil {
		return
	}

	resp, err := h.workers.RunCycle(worker.CycleRequest{
		Context:   streamCtx,
		SessionID: sessionID,
		Input: controller.CycleInput{
			RawInput: req.Content,
			Uploads:  uploads,
		},
		OnToken: func(chunk string) error {
			return sendEvent("stream", gin.H{"content": chunk})
		},
	})
	if err != nil {
		msg := err.Error()
		if errors.Is(err, worker.ErrSessionBusy) {
			msg = "session busy, please retry"
		}
		payload := gin.H{"message": msg}
		// A failed dispatch still persisted the user turn; report what the
		// cycle managed to do so the client can retry against it.
		if resp != nil && resp.Result != nil {
			if resp.Result.UserTurn != nil {
				payload["user_turn"] = resp.Result.UserTurn
			}
			if len(resp.Result.ContextWarnings) > 0 {
				payload["context_warnings"] = resp.Result.ContextWarnings
			}
		}
		_ = sendEvent("error", payload)
		return
	}

	payload := gin.H{}
	if resp.Result != nil {
		if resp.Result.UserTurn != nil {
			payload["user_turn"] = resp.Result.UserTurn
		}
		if resp.Result.AssistantTurn != nil {
			payload["assistant_turn"] = resp.Result.AssistantTurn
		}
		if len(resp.Result.ProcessedFileIDs) > 0 {
			payload["processed_file_ids"] = resp.Result.ProcessedFileIDs
		}
		if len(resp.Result.ContextWarnings) > 0 {
			payload["context_warnings"] = resp.Result.ContextWarnings
		}
	}
	if resp.Title != "" {
		payload["title"] = resp.Title
	}
	_ = sendEvent("done", payload)
}

// resolveUploads returns the cycle's file selection: the named uploads in
// request order, or the session's full unexpired upload list when no ids
// were given.
func (h *Handler) resolveUploads(ctx context.Context, sessionID int64, fileIDs []int64) ([]*models.UploadedFile, error) {
	if len(fileIDs) == 0 {
		return h.transcripts.ListSessionUploads(ctx, sessionID)
	}
	seen := make(map[int64]struct{}, len(fileIDs))
	ids := make([]int64, 0, len(fileIDs))
	for _, id := range fileIDs {
		if id <= 0 {
			return nil, errors.New("invalid file id")
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return h.transcripts.UploadsByIDs(ctx, sessionID, ids)
}

const (
	maxUploadBytes      = 10 << 20 // 10 MB
	sessionStorageLimit = 50 << 20 // 50 MB per session
)

var allowedContentTypes = []string{
	"text/plain",
	"text/markdown",
	"text/csv",
	"application/pdf",
	"application/json",
	"application/csv",
	"image/",
}

func isAllowedContentType(ct string) bool {
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

func (h *Handler) uploadFile(c *gin.Context) {
	sessionID, ok := h.authorizedSessionID(c)
	if !ok {
		return
	}
	if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	usage, err := h.transcripts.StorageUsage(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "calculate usage failed"})
		return
	}
	if usage+file.Size > sessionStorageLimit {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "storage quota exceeded"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	_ = f.Close()
	contentType := http.DetectContentType(buf[:n])
	if !isAllowedContentType(contentType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}
	filename := filepath.Base(file.Filename)
	destDir, destPath, finalName := h.getUniqueFilePath(sessionID, filename)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create directory failed"})
		return
	}
	if err := c.SaveUploadedFile(file, destPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}
	fileID, err := h.transcripts.RecordUpload(c.Request.Context(), sessionID, finalName, destPath, contentType, file.Size, h.fileTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record file failed"})
		return
	}
	h.workers.InvalidateState(sessionID)
	c.JSON(http.StatusCreated, gin.H{
		"file_id":   fileID,
		"file_name": finalName,
		"size":      file.Size,
		"mime":      contentType,
		"used":      usage + file.Size,
		"limit":     sessionStorageLimit,
	})
}

func (h *Handler) getFilePath(sessionID int64, filename string) (string, string) {
	destDir := filepath.Join(h.fileBase, strconv.FormatInt(sessionID, 10))
	destPath := filepath.Join(destDir, filename)
	return destDir, destPath
}

func (h *Handler) getUniqueFilePath(sessionID int64, filename string) (string, string, string) {
	destDir, destPath := h.getFilePath(sessionID, filename)
	if _, err := os.Stat(destPath); os.IsNotExist(err) {
		return destDir, destPath, filename
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for idx := 1; idx <= 1000; idx++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, idx, ext)
		dir, path := h.getFilePath(sessionID, candidate)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return dir, path, candidate
		}
	}
	fallback := fmt.Sprintf("%s-%d%s", base, time.Now().UnixNano(), ext)
	return destDir, filepath.Join(destDir, fallback), fallback
}

func (h *Handler) setAuthCookies(c *gin.Context, sessionKey, csrfToken string) {
	ttl := int(h.auth.KeyTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.SessionCookieName(),
		Value:    sessionKey,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.SessionCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.SessionCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
