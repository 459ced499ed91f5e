package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"school-gradients/internal/config"
	"school-gradients/internal/engine"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job server for uploaded school lists",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		gin.SetMode(gin.ReleaseMode)
		jobs := NewJobStore()
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(cfg, jobs),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("serve: shutting down")
			jobs.CancelAll()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("serve: listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "serve: listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

type server struct {
	cfg     *config.Config
	jobs    *JobStore
	metrics *jobMetrics
}

func newRouter(cfg *config.Config, jobs *JobStore) *gin.Engine {
	s := &server{cfg: cfg, jobs: jobs, metrics: newJobMetrics()}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.POST("/analyze", s.handleAnalyze)
	r.GET("/jobs/:id", s.handleJob)
	r.POST("/jobs/:id/cancel", s.handleCancel)
	r.GET("/jobs/:id/files/:name", s.handleFile)
	r.GET("/metrics", gin.WrapH(s.metrics.handler()))
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		zap.L().Debug("serve: request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func (s *server) handleAnalyze(c *gin.Context) {
	file, err := c.FormFile("input_file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "input_file is required"})
		return
	}

	jobCfg, err := s.jobConfig(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}

	// Save uploaded file
	uploads := filepath.Join(s.cfg.Output.Dir, "uploads")
	if err := os.MkdirAll(uploads, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "could not store upload"})
		return
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	inputPath := filepath.Join(uploads, uuid.New().String()+ext)
	if err := c.SaveUploadedFile(file, inputPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "could not store upload"})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := NewJob(cancel)
	jobCfg.Input.Path = inputPath
	jobCfg.Output.Dir = filepath.Join(s.cfg.Output.Dir, "jobs", job.ID)
	s.jobs.Add(job)

	// Start Processing in Goroutine
	go s.processJob(ctx, job, jobCfg, file.Filename)

	c.JSON(http.StatusAccepted, gin.H{"ok": true, "job_id": job.ID})
}

// jobConfig copies the server config and applies the optional form overrides.
func (s *server) jobConfig(c *gin.Context) (*config.Config, error) {
	jc := *s.cfg
	jc.Analysis.BucketsKm = append([]float64(nil), s.cfg.Analysis.BucketsKm...)
	jc.Output.Formats = append([]string(nil), s.cfg.Output.Formats...)
	jc.Groups = append([]config.Group(nil), s.cfg.Groups...)

	if v := c.PostForm("mode"); v != "" {
		jc.Analysis.Mode = v
	}
	if v := c.PostForm("top_k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, eris.Errorf("top_k %q is not an integer", v)
		}
		jc.Analysis.TopK = n
	}
	if v := c.PostForm("min_difference"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, eris.Errorf("min_difference %q is not an integer", v)
		}
		jc.Analysis.MinDifference = n
	}
	if v := c.PostForm("max_distance_km"); v != "" {
		km, err := strconv.ParseFloat(strings.Replace(v, ",", ".", 1), 64)
		if err != nil {
			return nil, eris.Errorf("max_distance_km %q is not a number", v)
		}
		jc.Analysis.MaxDistanceKm = km
	}

	if err := jc.Validate(); err != nil {
		return nil, err
	}
	return &jc, nil
}

func (s *server) handleJob(c *gin.Context) {
	job := s.jobs.Get(c.Param("id"))
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "job": job.View()})
}

func (s *server) handleCancel(c *gin.Context) {
	job := s.jobs.Get(c.Param("id"))
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "cancelled": job.Cancel()})
}

func (s *server) handleFile(c *gin.Context) {
	job := s.jobs.Get(c.Param("id"))
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "job not found"})
		return
	}

	name := c.Param("name")
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid file name"})
		return
	}

	view := job.View()
	if view.Result == nil {
		c.JSON(http.StatusConflict, gin.H{"ok": false, "error": "job has no output yet"})
		return
	}
	for _, f := range view.Result.Files {
		if f == name {
			c.FileAttachment(filepath.Join(view.Result.Dir, name), name)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "file not found"})
}

func (s *server) processJob(ctx context.Context, job *Job, jobCfg *config.Config, filename string) {
	start := time.Now()
	s.metrics.running.Inc()
	defer s.metrics.running.Dec()
	defer func() {
		if r := recover(); r != nil {
			job.Fail(fmt.Sprintf("panic: %v", r))
		}
		s.metrics.jobs.WithLabelValues(string(job.View().Status)).Inc()
		s.metrics.duration.Observe(time.Since(start).Seconds())
	}()
	defer os.Remove(jobCfg.Input.Path)
	defer job.CancelFn()

	job.Log(fmt.Sprintf("Processing %s (mode %s).", filename, jobCfg.Analysis.Mode))

	res, err := engine.Execute(ctx, jobCfg, func(group string, done, total int64) {
		job.SetProgress(done, total, fmt.Sprintf("%s: %d of %d pairs compared.", group, done, total))
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			job.Fail("cancelled")
			return
		}
		zap.L().Error("serve: job failed", zap.String("job_id", job.ID), zap.Error(err))
		job.Fail(err.Error())
		return
	}

	job.Log(fmt.Sprintf("Comparison finished in %s.", time.Since(start).Round(time.Millisecond)))
	for _, g := range res.Report.Groups {
		s.metrics.pairs.WithLabelValues(g.Name).Add(float64(g.PairsVisited))
		s.metrics.matches.WithLabelValues(g.Name).Add(float64(g.Matches))
	}

	partitions := make([]string, len(res.Report.Partitions))
	for i, p := range res.Report.Partitions {
		partitions[i] = p.Name
	}
	job.Finish(&JobResult{
		Mode:       res.Report.Mode,
		Matches:    res.Report.TotalMatches(),
		Excluded:   len(res.Report.Excluded),
		Partitions: partitions,
		Files:      res.Files,
		Dir:        res.Dir,
	})
}
