package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"openenterprise/dimmer/ota"
)

const (
	shutdownTimeout = 5 * time.Second
	uploadField     = "firmware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve firmware images to devices over HTTP",
	Long: `Runs the firmware distribution server. Devices fetch images with
GET /firmware/<name>; operators add images with POST /firmware or
POST /upload (multipart field "firmware", UF2 files are converted to raw
images). /metrics exposes
Prometheus counters and /health reports liveness.

Set server.username and server.password to require HTTP basic auth on
downloads, matching the credentials built into the device.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, err := newFirmwareServer(serverConfig{
			Dir:       viper.GetString("server.dir"),
			MaxUpload: viper.GetInt64("server.max_upload"),
			Username:  viper.GetString("server.username"),
			Password:  viper.GetString("server.password"),
		}, log)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.ListenAndServe(ctx, viper.GetString("server.addr"))
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "listen address")
	serveCmd.Flags().String("dir", "firmware", "image directory")
	serveCmd.Flags().Int64("max-upload", 4<<20, "largest accepted upload in bytes")
	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	viper.BindPFlag("server.dir", serveCmd.Flags().Lookup("dir"))
	viper.BindPFlag("server.max_upload", serveCmd.Flags().Lookup("max-upload"))
	rootCmd.AddCommand(serveCmd)
}

type serverConfig struct {
	Dir       string
	MaxUpload int64
	Username  string
	Password  string
}

// storedImage describes one image in the server directory.
type storedImage struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	SHA256   string    `json:"sha256"`
	Bootable bool      `json:"bootable"`
	Modified time.Time `json:"modified"`
}

type serverMetrics struct {
	downloads   *prometheus.CounterVec
	uploads     *prometheus.CounterVec
	bytesServed prometheus.Counter
	images      prometheus.Gauge
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dimmer_firmware_downloads_total",
				Help: "Firmware download requests by image and HTTP status",
			},
			[]string{"image", "code"},
		),
		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dimmer_firmware_uploads_total",
				Help: "Firmware uploads by result",
			},
			[]string{"result"},
		),
		bytesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dimmer_firmware_bytes_served_total",
			Help: "Image bytes sent to devices",
		}),
		images: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dimmer_firmware_images",
			Help: "Images currently stored",
		}),
	}
	reg.MustRegister(m.downloads, m.uploads, m.bytesServed, m.images)
	return m
}

type firmwareServer struct {
	cfg     serverConfig
	log     *slog.Logger
	reg     *prometheus.Registry
	metrics *serverMetrics
	router  *gin.Engine
}

func newFirmwareServer(cfg serverConfig, logger *slog.Logger) (*firmwareServer, error) {
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = 4 << 20
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	reg := prometheus.NewRegistry()
	s := &firmwareServer{
		cfg:     cfg,
		log:     logger,
		reg:     reg,
		metrics: newServerMetrics(reg),
	}
	if imgs, err := s.list(); err == nil {
		s.metrics.images.Set(float64(len(imgs)))
	}
	s.router = s.routes()
	return s, nil
}

func (s *firmwareServer) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})))

	var auth []gin.HandlerFunc
	if s.cfg.Username != "" {
		auth = append(auth, gin.BasicAuthForRealm(gin.Accounts{s.cfg.Username: s.cfg.Password}, "firmware"))
	}
	fw := r.Group("/firmware", auth...)
	fw.GET("", s.listImages)
	fw.POST("", s.upload)
	fw.GET("/:name", s.download)
	fw.HEAD("/:name", s.download)
	fw.DELETE("/:name", s.remove)
	// Older deployment scripts post here.
	r.POST("/upload", append(auth, s.upload)...)
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *firmwareServer) ListenAndServe(ctx context.Context, addr string) error {
	hs := &http.Server{Addr: addr, Handler: s.router}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("serve:listening", slog.String("addr", addr), slog.String("dir", s.cfg.Dir))
		errc <- hs.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	s.log.Info("serve:shutdown")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *firmwareServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("serve:request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.String("client", c.ClientIP()),
			slog.Duration("took", time.Since(start)),
		)
	}
}

func (s *firmwareServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// imagePath maps a request name onto the image directory. Names with path
// components are rejected.
func (s *firmwareServer) imagePath(name string) (string, bool) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", false
	}
	return filepath.Join(s.cfg.Dir, name), true
}

func (s *firmwareServer) download(c *gin.Context) {
	name := c.Param("name")
	path, ok := s.imagePath(name)
	if !ok {
		s.metrics.downloads.WithLabelValues("invalid", "400").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image name"})
		return
	}
	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		s.metrics.downloads.WithLabelValues(name, "404").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
		return
	}
	s.metrics.downloads.WithLabelValues(name, "200").Inc()
	if c.Request.Method == http.MethodGet {
		s.metrics.bytesServed.Add(float64(st.Size()))
	}
	c.Header("Content-Type", "application/octet-stream")
	c.File(path)
}

func (s *firmwareServer) listImages(c *gin.Context) {
	imgs, err := s.list()
	if err != nil {
		s.log.Error("serve:list-failed", slog.String("err", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list images"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"images": imgs})
}

func (s *firmwareServer) list() ([]storedImage, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, err
	}
	imgs := []storedImage{}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		img, err := describeImage(filepath.Join(s.cfg.Dir, e.Name()))
		if err != nil {
			return nil, err
		}
		imgs = append(imgs, img)
	}
	sort.Slice(imgs, func(i, j int) bool { return imgs[i].Name < imgs[j].Name })
	return imgs, nil
}

func describeImage(path string) (storedImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return storedImage{}, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return storedImage{}, err
	}
	sum := sha256.Sum256(data)
	return storedImage{
		Name:     filepath.Base(path),
		Size:     int64(len(data)),
		SHA256:   hex.EncodeToString(sum[:]),
		Bootable: ota.Bootable(data),
		Modified: st.ModTime().UTC(),
	}, nil
}

func (s *firmwareServer) upload(c *gin.Context) {
	// UF2 files carry 256 payload bytes per 512-byte block.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 2*s.cfg.MaxUpload+(1<<20))
	file, header, err := c.Request.FormFile(uploadField)
	if err != nil {
		s.metrics.uploads.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to get firmware file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.metrics.uploads.WithLabelValues("too_large").Inc()
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
		return
	}
	if isUF2(data) {
		if data, err = extractUF2Binary(data); err != nil {
			s.metrics.uploads.WithLabelValues("bad_request").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid UF2: %v", err)})
			return
		}
	}
	if len(data) == 0 {
		s.metrics.uploads.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty image"})
		return
	}
	if int64(len(data)) > s.cfg.MaxUpload {
		s.metrics.uploads.WithLabelValues("too_large").Inc()
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}

	id := uuid.NewString()
	name := c.PostForm("name")
	if name == "" {
		name = id + ".bin"
	}
	path, ok := s.imagePath(name)
	if !ok {
		s.metrics.uploads.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image name"})
		return
	}
	tmp := filepath.Join(s.cfg.Dir, "."+id+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.fail(c, "write", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		s.fail(c, "rename", err)
		return
	}

	sum := sha256.Sum256(data)
	bootable := ota.Bootable(data)
	s.metrics.uploads.WithLabelValues("ok").Inc()
	if imgs, err := s.list(); err == nil {
		s.metrics.images.Set(float64(len(imgs)))
	}
	s.log.Info("serve:uploaded",
		slog.String("id", id),
		slog.String("name", name),
		slog.String("file", header.Filename),
		slog.Int("size", len(data)),
		slog.String("sha256", hex.EncodeToString(sum[:])),
		slog.Bool("bootable", bootable),
	)
	if !bootable {
		s.log.Warn("serve:not-bootable", slog.String("name", name))
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":       id,
		"name":     name,
		"size":     len(data),
		"sha256":   hex.EncodeToString(sum[:]),
		"bootable": bootable,
		"url":      "/firmware/" + name,
	})
}

func (s *firmwareServer) remove(c *gin.Context) {
	path, ok := s.imagePath(c.Param("name"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image name"})
		return
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
			return
		}
		s.log.Error("serve:remove-failed", slog.String("err", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove image"})
		return
	}
	s.log.Info("serve:removed", slog.String("name", c.Param("name")))
	if imgs, err := s.list(); err == nil {
		s.metrics.images.Set(float64(len(imgs)))
	}
	c.Status(http.StatusNoContent)
}

func (s *firmwareServer) fail(c *gin.Context, op string, err error) {
	s.metrics.uploads.WithLabelValues("error").Inc()
	s.log.Error("serve:"+op+"-failed", slog.String("err", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store image"})
}
