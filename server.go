package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vistream/detection-relay/jobs"
	"github.com/vistream/detection-relay/pubsub"
	"github.com/vistream/detection-relay/registry"
	"github.com/vistream/detection-relay/supervisor"
)

const maxUploadBytes = 256 << 20

// uploadField is the multipart form field carrying the image or video.
const uploadField = "video_source"

type server struct {
	reg      *registry.Registry
	jobs     *jobs.Store
	sup      *supervisor.Supervisor
	hub      *pubsub.Hub
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newServer(reg *registry.Registry, jobStore *jobs.Store, sup *supervisor.Supervisor, hub *pubsub.Hub, logger *zap.SugaredLogger) *server {
	return &server{
		reg:    reg,
		jobs:   jobStore,
		sup:    sup,
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware)
	r.HandleFunc("/list_models", s.handleListModels).Methods("GET")
	r.HandleFunc("/set_models", s.handleSetModels).Methods("POST")
	r.HandleFunc("/upload", s.handleUpload).Methods("POST")
	r.HandleFunc("/start_process", s.handleStartProcess).Methods("POST")
	r.HandleFunc("/ws", s.handleWS)
	return r
}

// recoverMiddleware is the outermost boundary: an unhandled fault in any
// handler is logged with context and reported as a generic 500 instead of
// crashing the front-end process.
func (s *server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Errorw("handler panicked", "path", r.URL.Path, "panic", rec)
				s.sendError(w, "internal_error", "An unexpected error occurred", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"detection_models":    s.reg.NamesByKind(registry.KindDetector),
		"segmentation_models": s.reg.NamesByKind(registry.KindSegmenter),
	})
}

func (s *server) handleSetModels(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Detector  string `json:"detector"`
		Segmenter string `json:"segmenter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "invalid_request", "Malformed JSON body", http.StatusBadRequest)
		return
	}
	if req.Detector == "" {
		s.sendError(w, "invalid_request", "Detection model must be specified", http.StatusBadRequest)
		return
	}

	if err := s.sup.SetModel(req.Detector, req.Segmenter); err != nil {
		if errors.Is(err, supervisor.ErrInvalidModel) {
			s.sendError(w, "invalid_model", err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Errorw("model setup failed", "error", err)
		s.sendError(w, "model_setup_error", "An unexpected error occurred during model setup", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"message": "Models set successfully"})
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, isImage, err := extractSource(r)
	if err != nil {
		if errors.Is(err, errUnsupportedMedia) {
			s.sendError(w, "unsupported_media", err.Error(), http.StatusUnsupportedMediaType)
			return
		}
		s.sendError(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.jobs.Put(data, isImage)
	if err != nil {
		s.logger.Errorw("upload failed", "error", err)
		s.sendError(w, "upload_error", "An unexpected error occurred during upload", http.StatusInternalServerError)
		return
	}
	// make the job's result channel joinable before processing starts
	s.hub.Open(id)
	s.sendJSON(w, http.StatusOK, map[string]string{"file_key": id})
}

func (s *server) handleStartProcess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileKey string `json:"file_key"`
		IsImage *bool  `json:"is_image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "invalid_request", "Malformed JSON body", http.StatusBadRequest)
		return
	}
	if req.FileKey == "" {
		s.sendError(w, "invalid_request", "Invalid or missing file key", http.StatusBadRequest)
		return
	}

	// the pipeline check comes first: a configuration failure must leave
	// the cached upload in place so the client can set models and retry
	if err := s.sup.EnsureInitialized(); err != nil {
		if errors.Is(err, supervisor.ErrNotConfigured) || errors.Is(err, supervisor.ErrInvalidModel) {
			s.sendError(w, "not_configured", err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Errorw("service initialization failed", "error", err)
		s.sendError(w, "process_error", "An unexpected error occurred during processing start", http.StatusInternalServerError)
		return
	}

	data, storedIsImage, err := s.jobs.Take(req.FileKey)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			s.sendError(w, "invalid_request", "File not found in cache", http.StatusBadRequest)
			return
		}
		s.logger.Errorw("job lookup failed", "key", req.FileKey, "error", err)
		s.sendError(w, "process_error", "An unexpected error occurred during processing start", http.StatusInternalServerError)
		return
	}

	isImage := storedIsImage
	if req.IsImage != nil {
		isImage = *req.IsImage
	}
	if err := s.sup.Start(req.FileKey, data, isImage); err != nil {
		s.logger.Errorw("job dispatch failed", "key", req.FileKey, "error", err)
		s.sendError(w, "process_error", "An unexpected error occurred during processing start", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"message": "Processing started"})
}

// handleWS upgrades the connection and joins it to one job channel. The
// first client message selects the channel: {"join": "<file_key>"}.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}

	var join struct {
		Join string `json:"join"`
	}
	if err := conn.ReadJSON(&join); err != nil || join.Join == "" {
		conn.Close()
		return
	}

	sub, err := s.hub.Subscribe(join.Join, 256)
	if err != nil {
		// only ids issued by this process are joinable
		conn.WriteJSON(errorResponse{Code: "unknown_channel", Message: "Unknown file key"}) //nolint:errcheck
		conn.Close()
		return
	}
	s.logger.Infow("client joined channel", "channel", join.Join)
	// ack the join before pumping so the client knows the subscription
	// is live and results cannot be missed
	conn.WriteJSON(pubsub.Event{Kind: "joined", Data: join.Join}) //nolint:errcheck

	pubsub.ServeConn(conn, sub, s.logger)
	s.hub.Unsubscribe(join.Join, sub)
}

var errUnsupportedMedia = errors.New("unsupported media type")

// extractSource pulls the uploaded payload out of the multipart form and
// classifies it as image or video by declared mimetype, sniffing the
// content when the part carries no usable type.
func extractSource(r *http.Request) ([]byte, bool, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, false, errors.New("no valid video or image source provided")
	}
	file, header, err := r.FormFile(uploadField)
	if err != nil {
		return nil, false, errors.New("no valid video or image source provided")
	}
	defer file.Close()

	if header.Filename == "" {
		return nil, false, errors.New("no file selected or empty file")
	}
	data, err := io.ReadAll(file)
	if err != nil || len(data) == 0 {
		return nil, false, errors.New("no file selected or empty file")
	}

	mimetype := header.Header.Get("Content-Type")
	if mimetype == "" || mimetype == "application/octet-stream" {
		mimetype = http.DetectContentType(data)
	}
	switch {
	case strings.HasPrefix(mimetype, "video/"):
		return data, false, nil
	case strings.HasPrefix(mimetype, "image/"):
		return data, true, nil
	default:
		return nil, false, errUnsupportedMedia
	}
}

func (s *server) sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}

func (s *server) sendError(w http.ResponseWriter, code, message string, status int) {
	s.sendJSON(w, status, errorResponse{Code: code, Message: message})
}
