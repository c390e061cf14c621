package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/enrybds/sayless/internal/config"
	"github.com/enrybds/sayless/internal/metrics"
	"github.com/enrybds/sayless/internal/runner"
	"github.com/enrybds/sayless/internal/service"
	"github.com/enrybds/sayless/internal/similarity"
)

// Request body limit for JSON endpoints.
const maxBodyBytes = 1 << 20

// Default generation parameters for requests that omit them.
const (
	defaultTemperature = 0.7
	defaultBatchCount  = 5
	defaultTopN        = 5
)

type generateRequest struct {
	Category    string   `json:"category"`
	Style       string   `json:"style"`
	Topic       string   `json:"topic"`
	Temperature *float64 `json:"temperature"`
	Model       string   `json:"model"`
	Count       int      `json:"count"`
	Examples    int      `json:"examples"`
	// Save writes the texts to a batch file.
	Save bool `json:"save"`
}

func (r generateRequest) toService(defaultCount int) service.GenerateRequest {
	temp := defaultTemperature
	if r.Temperature != nil {
		temp = *r.Temperature
	}
	count := r.Count
	if count <= 0 {
		count = defaultCount
	}
	return service.GenerateRequest{
		Category:    r.Category,
		Style:       r.Style,
		Topic:       r.Topic,
		Temperature: temp,
		Model:       r.Model,
		Count:       count,
		Examples:    r.Examples,
	}
}

type generateResponse struct {
	Texts []string `json:"texts"`
	File  string   `json:"file,omitempty"`
	Error string   `json:"error,omitempty"`
}

type rankRequest struct {
	Text string `json:"text"`
	TopN int    `json:"top_n"`
}

type rankResponse struct {
	Query   string             `json:"query"`
	Results []similarity.Match `json:"results"`
}

type statsResponse struct {
	TotalTexts int                     `json:"total_texts"`
	Categories []service.CategoryCount `json:"categories"`
	Embedded   int                     `json:"embedded"`
	Metrics    metrics.Snapshot        `json:"metrics"`
}

type runRequest struct {
	Input         string  `json:"input"`
	Restart       bool    `json:"restart"`
	MaxItems      int     `json:"max_items"`
	Concurrency   int     `json:"concurrency"`
	RatePerMinute float64 `json:"rate_per_minute"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	s.generate(w, r, 1)
}

func (s *Server) handleGenerateBatch(w http.ResponseWriter, r *http.Request) {
	s.generate(w, r, defaultBatchCount)
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request, defaultCount int) {
	var req generateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		writeError(w, http.StatusBadRequest, "temperature must be between 0 and 2")
		return
	}

	texts, err := s.generator.Generate(r.Context(), req.toService(defaultCount))
	if len(texts) == 0 {
		switch {
		case errors.Is(err, service.ErrNoExamples):
			writeError(w, http.StatusConflict, err.Error())
		case err != nil:
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeError(w, http.StatusBadGateway, "no texts generated")
		}
		return
	}

	resp := generateResponse{Texts: texts}
	if err != nil {
		resp.Error = err.Error()
	}
	if req.Save {
		path, saveErr := s.generator.SaveBatch(texts)
		if saveErr != nil {
			writeError(w, http.StatusInternalServerError, saveErr.Error())
			return
		}
		resp.File = path
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRank(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		writeError(w, http.StatusServiceUnavailable, service.ErrNoEmbedder.Error())
		return
	}
	var req rankRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	topN := req.TopN
	if topN <= 0 {
		topN = defaultTopN
	}

	matches, err := s.search.Rank(r.Context(), req.Text, topN)
	if errors.Is(err, service.ErrEmptyQuery) {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if matches == nil {
		matches = []similarity.Match{}
	}
	writeJSON(w, http.StatusOK, rankResponse{Query: req.Text, Results: matches})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	categories, total, err := s.pipeline.CategoryStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := statsResponse{
		TotalTexts: total,
		Categories: categories,
		Metrics:    s.pipeline.Metrics().Snapshot(),
	}
	if s.search != nil {
		_, resp.Embedded = s.search.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.pipeline.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	if s.search == nil {
		writeError(w, http.StatusServiceUnavailable, service.ErrNoEmbedder.Error())
		return
	}
	job := s.jobs.Start(config.StageEmbed, s.indexJob)
	writeJSON(w, http.StatusAccepted, job.Snapshot())
}

// indexJob precomputes embeddings on the server's own index so ranking sees
// new vectors without a restart.
func (s *Server) indexJob(ctx context.Context, job *service.Job) (runner.Report, error) {
	if err := s.search.Reload(); err != nil {
		return runner.Report{Name: config.StageEmbed}, err
	}
	stats, err := s.search.Precompute(ctx)
	state := runner.StateCompleted
	if ctx.Err() != nil {
		state = runner.StatePaused
		err = nil
	}
	report := runner.Report{
		Name:  config.StageEmbed,
		State: state,
		Stats: runner.Stats{
			Attempted: stats.Embedded + stats.Failed,
			Succeeded: stats.Embedded,
			Failed:    stats.Failed,
			Cached:    stats.Cached,
		},
	}
	s.jobs.UpdateProgress(job, runner.Progress{
		Name:   config.StageEmbed,
		State:  state,
		Stats:  report.Stats,
		Cursor: stats.Cached + stats.Embedded + stats.Failed,
		Total:  stats.Texts,
	})
	return report, err
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	stage := r.PathValue("stage")
	var req runRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	switch stage {
	case config.StageEmbed:
		s.handleIndex(w, r)
		return
	case config.StageTranscribe:
		if req.Input == "" {
			writeError(w, http.StatusBadRequest, "input directory is required")
			return
		}
	case config.StageClassify:
	default:
		writeError(w, http.StatusNotFound, "unknown stage: "+stage)
		return
	}

	job := s.jobs.Start(stage, func(ctx context.Context, job *service.Job) (runner.Report, error) {
		report, err := s.pipeline.Run(ctx, stage, req.Input, service.RunOptions{
			Restart:       req.Restart,
			MaxItems:      req.MaxItems,
			Concurrency:   req.Concurrency,
			RatePerMinute: req.RatePerMinute,
			OnProgress: func(p runner.Progress) {
				s.jobs.UpdateProgress(job, p)
			},
		})
		if stage == config.StageClassify {
			s.reloadCorpus()
		}
		return report, err
	})
	writeJSON(w, http.StatusAccepted, job.Snapshot())
}

// reloadCorpus picks up a fresh classification export.
func (s *Server) reloadCorpus() {
	if err := s.generator.Reload(); err != nil {
		s.logger.Warn("reload generation corpus failed", "error", err)
	}
	if s.search != nil {
		if err := s.search.Reload(); err != nil {
			s.logger.Warn("reload search corpus failed", "error", err)
		}
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.jobs.ListJobs()
	out := make([]service.JobInfo, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job := s.jobs.GetJob(r.PathValue("id"))
	if job == nil {
		writeError(w, http.StatusNotFound, service.ErrJobNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Cancel(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
