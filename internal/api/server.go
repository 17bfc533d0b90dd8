// Package api exposes the runner over HTTP.
package api

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/vidgen/internal/runner"
)

// Generator runs one generation request. *runner.Runner implements it.
type Generator interface {
	Generate(ctx context.Context, req runner.Request) (runner.Result, error)
}

type ServerConfig struct {
	// OutputDir anchors relative save paths. Empty leaves them relative to
	// the working directory.
	OutputDir string
	Version   string
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

type Server struct {
	gen Generator
	cfg ServerConfig
}

func NewServer(gen Generator, cfg ServerConfig) *Server {
	return &Server{gen: gen, cfg: cfg}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/local/video/generate", s.handleGenerate)
	e.GET("/v1/health", s.handleHealth)
	if s.cfg.Metrics != nil {
		e.GET("/metrics", s.handleMetrics)
	}
}

func (s *Server) handleGenerate(c *echo.Context) error {
	if s.gen == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "generator not configured")
	}
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, "invalid JSON body: "+err.Error())
	}
	rreq, err := s.toRunnerRequest(req)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	res, err := s.gen.Generate(c.Request().Context(), rreq)
	if err != nil {
		return writeGenerateError(c, err)
	}
	return c.JSON(http.StatusOK, GenerateResponse{
		Response:           "finished",
		SaveVideoPath:      res.SavePath,
		RequestID:          res.ID,
		Steps:              res.Steps,
		DurationMs:         res.Duration.Milliseconds(),
		ExactBlocks:        res.Cache.Exact,
		ApproximatedBlocks: res.Cache.Approximated,
		MaxApproxError:     res.Cache.MaxError,
	})
}

func (s *Server) toRunnerRequest(req GenerateRequest) (runner.Request, error) {
	if strings.TrimSpace(req.SaveVideoPath) == "" {
		return runner.Request{}, invalidField("save_video_path", "is required")
	}
	save := filepath.Clean(req.SaveVideoPath)
	if s.cfg.OutputDir != "" && !filepath.IsAbs(save) {
		if !filepath.IsLocal(save) {
			return runner.Request{}, invalidField("save_video_path", "must stay inside the output directory")
		}
		save = filepath.Join(s.cfg.OutputDir, save)
	}
	return runner.Request{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		ImagePath:      req.ImagePath,
		SavePath:       save,
		Seed:           req.Seed,
	}, nil
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.cfg.Version})
}

func (s *Server) handleMetrics(c *echo.Context) error {
	s.cfg.Metrics.ServeHTTP(c.Response(), c.Request())
	return nil
}

func writeGenerateError(c *echo.Context, err error) error {
	status, errType := classify(err)
	return writeError(c, status, errType, err.Error())
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, ErrorResponse{Error: ResponseError{Message: msg, Type: errType}})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
