package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"skylift/internal/config"
	"skylift/internal/events"
	"skylift/internal/logging"
	"skylift/internal/records"
	"skylift/internal/release"
	"skylift/internal/tasks"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}

	srv := &apiServer{
		bind:   bind,
		logger: logging.NewComponentLogger(logger, "api"),
		daemon: d,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", srv.handleStatus)
	mux.HandleFunc("/api/tasks", srv.handleTasks)
	mux.HandleFunc("/api/resync", srv.handleResync)
	mux.HandleFunc("/api/events", srv.handleEvents)
	mux.Handle("/metrics", promhttp.HandlerFor(d.metrics.Registry, promhttp.HandlerOpts{}))

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening",
		logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// Addr returns the bound address once the server is listening.
func (s *apiServer) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

// TaskView is the API shape of a task, shared with the CLI.
type TaskView struct {
	ReleaseID     string   `json:"release_id"`
	Title         string   `json:"title"`
	MediaType     string   `json:"media_type"`
	ShareMode     string   `json:"share_mode"`
	Status        string   `json:"status"`
	ExpectedCount int      `json:"expected_count"`
	Completed     int      `json:"completed"`
	Uploading     int      `json:"uploading"`
	Failed        []string `json:"failed,omitempty"`
	RetryCount    int      `json:"retry_count"`
	ShareAttempts int      `json:"share_attempts"`
	LastError     string   `json:"last_error,omitempty"`
	CreatedAt     string   `json:"created_at"`
}

// TaskListResponse is the payload of GET /api/tasks.
type TaskListResponse struct {
	Tasks []TaskView `json:"tasks"`
}

func (s *apiServer) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var statuses []tasks.Status
	for _, value := range r.URL.Query()["status"] {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		status := tasks.Status(trimmed)
		if !status.IsValid() {
			s.writeError(w, http.StatusBadRequest, "invalid status "+trimmed)
			return
		}
		statuses = append(statuses, status)
	}

	list, err := s.daemon.ListTasks(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]TaskView, 0, len(list))
	for _, task := range list {
		views = append(views, TaskView{
			ReleaseID:     task.ReleaseID,
			Title:         task.Title,
			MediaType:     string(task.MediaType),
			ShareMode:     string(task.ShareMode),
			Status:        string(task.Status),
			ExpectedCount: task.ExpectedCount,
			Completed:     len(task.CompletedFiles),
			Uploading:     len(task.UploadingFiles),
			Failed:        task.FailedFiles,
			RetryCount:    task.RetryCount,
			ShareAttempts: task.ShareAttempts,
			LastError:     task.LastError,
			CreatedAt:     task.CreatedAt.Format(time.RFC3339),
		})
	}
	s.writeJSON(w, http.StatusOK, TaskListResponse{Tasks: views})
}

func (s *apiServer) handleResync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.daemon.Resync(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

// eventEnvelope is the wire shape host adapters POST to /api/events.
type eventEnvelope struct {
	Type        string `json:"type"`
	ReleaseID   string `json:"release_id"`
	Title       string `json:"title,omitempty"`
	MediaType   string `json:"media_type,omitempty"`
	Episodes    string `json:"episodes,omitempty"`
	TorrentName string `json:"torrent_name,omitempty"`
	Description string `json:"description,omitempty"`
	MessageText string `json:"message_text,omitempty"`
	SourcePath  string `json:"source_path,omitempty"`
	DestPath    string `json:"dest_path,omitempty"`
	DestStorage string `json:"dest_storage,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var env eventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	var ev any
	switch env.Type {
	case "download_added":
		ev = events.DownloadAdded{
			ReleaseID: env.ReleaseID,
			Title:     env.Title,
			Meta: release.Meta{
				MediaType:   release.MediaType(env.MediaType),
				Episodes:    env.Episodes,
				TorrentName: env.TorrentName,
				Description: env.Description,
				MessageText: env.MessageText,
			},
		}
	case "file_organized":
		ev = events.FileOrganized{
			ReleaseID:   env.ReleaseID,
			SourcePath:  env.SourcePath,
			DestPath:    env.DestPath,
			DestStorage: records.Storage(env.DestStorage),
			Size:        env.Size,
		}
	default:
		s.writeError(w, http.StatusBadRequest, "unknown event type "+env.Type)
		return
	}

	if err := s.daemon.Publish(r.Context(), ev); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"result": "accepted"})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write api response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
