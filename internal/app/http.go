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

	"github.com/rs/cors"

	"accord/api/internal/auth"
	"accord/api/internal/logger"
	"accord/api/internal/search"
	"accord/api/internal/store"
	"accord/api/internal/workflow"
)

const (
	maxImportSize = 256 << 20
	maxJSONSize   = 64 << 20
)

type HTTPServer struct {
	service    *Service
	apiToken   *auth.APIToken
	log        *logger.Logger
	corsOrigin string
}

func NewHTTPServer(service *Service, apiToken *auth.APIToken, log *logger.Logger, corsOrigin string) *HTTPServer {
	if apiToken == nil {
		apiToken = auth.NewAPIToken("")
	}
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPServer{service: service, apiToken: apiToken, log: log, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	origins := strings.Split(s.corsOrigin, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID", "X-Accord-User"},
		ExposedHeaders: []string{"X-Request-ID", "X-Archive-Location", "Content-Disposition"},
	})
	return c.Handler(s.withMiddleware(http.HandlerFunc(s.handle)))
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

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"storage": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["storage"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if s.apiToken.Enabled() && !s.apiToken.Check(bearerToken(r)) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "state":
		if len(parts) == 2 && r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, s.service.Snapshot())
			return
		}
	case "counts":
		if len(parts) == 2 && r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, s.service.Counts())
			return
		}
	case "suggestions":
		s.handleSuggestions(w, r, parts[2:])
		return
	case "categories":
		if len(parts) == 2 {
			s.handleCategories(w, r)
			return
		}
	case "history":
		if len(parts) == 2 && r.Method == http.MethodGet {
			s.handleHistory(w, r)
			return
		}
	case "notifications":
		if len(parts) == 2 && r.Method == http.MethodDelete {
			if err := s.service.ClearNotifications(r.Context()); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	case "settings":
		if len(parts) == 2 && r.Method == http.MethodPut {
			var body SettingsInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			cfg, err := s.service.UpdateSettings(r.Context(), body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, cfg)
			return
		}
	case "sync":
		s.handleSync(w, r, parts[2:])
		return
	case "toasts":
		if len(parts) == 2 && r.Method == http.MethodGet {
			var since uint64
			if raw := r.URL.Query().Get("since"); raw != "" {
				parsed, err := strconv.ParseUint(raw, 10, 64)
				if err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_QUERY", "since must be a sequence number", nil)
					return
				}
				since = parsed
			}
			writeJSON(w, http.StatusOK, map[string]any{"toasts": s.service.Toasts(since)})
			return
		}
	case "export":
		if len(parts) == 2 && r.Method == http.MethodGet {
			s.handleExport(w, r)
			return
		}
	case "import":
		if r.Method == http.MethodPost && len(parts) == 2 {
			s.handleImportArchive(w, r)
			return
		}
		if r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "json" {
			s.handleImportJSON(w, r)
			return
		}
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleSuggestions(w http.ResponseWriter, r *http.Request, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		q := r.URL.Query()
		limit, offset, err := pageParams(q.Get("limit"), q.Get("offset"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, s.service.Suggestions(search.SuggestionQuery{
			Text:       q.Get("q"),
			Status:     store.Status(q.Get("status")),
			CategoryID: q.Get("category"),
			Limit:      limit,
			Offset:     offset,
		}))
		return

	case len(parts) == 0 && r.Method == http.MethodPost:
		s.saveSuggestion(w, r, "", http.StatusCreated)
		return

	case len(parts) == 1 && r.Method == http.MethodPut:
		s.saveSuggestion(w, r, parts[0], http.StatusOK)
		return

	case len(parts) == 1 && r.Method == http.MethodGet:
		sug, ok := s.service.state.SuggestionByID(parts[0])
		if !ok {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Suggestion not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, sug)
		return

	case len(parts) == 2 && r.Method == http.MethodPost:
		var body struct {
			Actor string `json:"actor"`
			Note  string `json:"note"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sug, err := s.service.Transition(r.Context(), parts[0], parts[1], actorFor(r, body.Actor), body.Note)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sug)
		return

	case len(parts) == 4 && parts[1] == "attachments" && parts[3] == "url" && r.Method == http.MethodGet:
		index, err := strconv.Atoi(parts[2])
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_PATH", "attachment index must be a number", nil)
			return
		}
		url, err := s.service.AttachmentURL(parts[0], index)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": url})
		return
	}

	if len(parts) <= 2 {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) saveSuggestion(w http.ResponseWriter, r *http.Request, id string, status int) {
	var body struct {
		workflow.SuggestionInput
		Actor string `json:"actor"`
	}
	if err := decodeBodyLimit(w, r, &body, maxJSONSize); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	// Creation never takes an id from the body.
	input := body.SuggestionInput
	input.ID = id
	sug, err := s.service.SaveSuggestion(r.Context(), input, actorFor(r, body.Actor))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, sug)
}

func (s *HTTPServer) handleCategories(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"categories": s.service.Categories()})
	case http.MethodPost:
		var body struct {
			Name  string `json:"name"`
			Emoji string `json:"emoji"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		category, err := s.service.CreateCategory(r.Context(), body.Name, body.Emoji)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, category)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := pageParams(q.Get("limit"), q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
		return
	}
	query := search.HistoryQuery{
		Text:   q.Get("q"),
		Action: store.HistoryAction(q.Get("action")),
		By:     q.Get("by"),
		Order:  search.Order(q.Get("order")),
		Limit:  limit,
		Offset: offset,
	}
	if query.From, err = timeParam(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "from must be an RFC 3339 timestamp", nil)
		return
	}
	if query.To, err = timeParam(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "to must be an RFC 3339 timestamp", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.History(query))
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case parts[0] == "config" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.service.SyncConfig())
		return

	case parts[0] == "config" && r.Method == http.MethodPut:
		var body SyncConfigInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		cfg, err := s.service.ConfigureSync(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
		return

	case parts[0] == "status" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.service.SyncStatus())
		return

	case parts[0] == "test" && r.Method == http.MethodPost:
		conn, err := s.service.TestConnection(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, conn)
		return

	case parts[0] == "pull" && r.Method == http.MethodPost:
		status, err := s.service.Pull(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
		return

	case parts[0] == "push" && r.Method == http.MethodPost:
		status, err := s.service.Push(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	switch parts[0] {
	case "config", "status", "test", "pull", "push":
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Export(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Name))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	if result.Location != "" {
		w.Header().Set("X-Archive-Location", result.Location)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleImportArchive(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r, maxImportSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	counts, missing, err := s.service.ImportArchive(r.Context(), data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if missing == nil {
		missing = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts, "missing": missing})
}

func (s *HTTPServer) handleImportJSON(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r, maxJSONSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	counts, err := s.service.ImportJSON(r.Context(), data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			"request_id", requestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("Content-Type", "application/json")
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func decodeBodyLimit(w http.ResponseWriter, r *http.Request, target any, limit int64) error {
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	return decodeBody(r, target)
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, fmt.Errorf("request body is required")
	}
	defer r.Body.Close()
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body exceeds %d bytes", limit)
		}
		return nil, fmt.Errorf("read request body")
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("request body is required")
	}
	return data, nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// actorFor prefers the explicit actor in the body, then the X-Accord-User
// header. An empty result lets the workflow fall back to the team name.
func actorFor(r *http.Request, bodyActor string) string {
	if actor := strings.TrimSpace(bodyActor); actor != "" {
		return actor
	}
	return strings.TrimSpace(r.Header.Get("X-Accord-User"))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func pageParams(rawLimit, rawOffset string) (limit, offset int, err error) {
	if rawLimit != "" {
		if limit, err = strconv.Atoi(rawLimit); err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("limit must be a non-negative number")
		}
	}
	if rawOffset != "" {
		if offset, err = strconv.Atoi(rawOffset); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative number")
		}
	}
	return limit, offset, nil
}

func timeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
