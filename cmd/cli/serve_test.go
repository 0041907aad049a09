package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, cfg serverConfig) *firmwareServer {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	s, err := newFirmwareServer(cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatal(err)
	}
	switch {
	case pb.Counter != nil:
		return pb.GetCounter().GetValue()
	case pb.Gauge != nil:
		return pb.GetGauge().GetValue()
	}
	t.Fatal("metric is neither counter nor gauge")
	return 0
}

func multipartBody(t *testing.T, name string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if name != "" {
		mw.WriteField("name", name)
	}
	fw, err := mw.CreateFormFile(uploadField, "upload.bin")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()
	return &body, mw.FormDataContentType()
}

func do(s *firmwareServer, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, serverConfig{})
	w := do(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"healthy"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestDownload(t *testing.T) {
	s := newTestServer(t, serverConfig{})
	image := bytes.Repeat([]byte{0x5a}, 3000)
	os.WriteFile(filepath.Join(s.cfg.Dir, "fw.bin"), image, 0o644)

	w := do(s, httptest.NewRequest(http.MethodGet, "/firmware/fw.bin", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), image) {
		t.Errorf("body = %d bytes, want %d", w.Body.Len(), len(image))
	}
	if got := w.Header().Get("Content-Length"); got != "3000" {
		t.Errorf("Content-Length = %q, want 3000", got)
	}
	if got := metricValue(t, s.metrics.bytesServed); got != 3000 {
		t.Errorf("bytes served = %v, want 3000", got)
	}
	if got := metricValue(t, s.metrics.downloads.WithLabelValues("fw.bin", "200")); got != 1 {
		t.Errorf("downloads = %v, want 1", got)
	}
}

func TestDownloadErrors(t *testing.T) {
	s := newTestServer(t, serverConfig{})
	tests := []struct {
		path string
		want int
	}{
		{"/firmware/missing.bin", http.StatusNotFound},
		{"/firmware/.hidden", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			w := do(s, httptest.NewRequest(http.MethodGet, tc.path, nil))
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestDownloadBasicAuth(t *testing.T) {
	s := newTestServer(t, serverConfig{Username: "ota", Password: "secret"})
	os.WriteFile(filepath.Join(s.cfg.Dir, "fw.bin"), []byte("image"), 0o644)

	w := do(s, httptest.NewRequest(http.MethodGet, "/firmware/fw.bin", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", w.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/firmware/fw.bin", nil)
	req.SetBasicAuth("ota", "secret")
	if w := do(s, req); w.Code != http.StatusOK || w.Body.String() != "image" {
		t.Errorf("authorized = %d %q, want 200 image", w.Code, w.Body.String())
	}
	// Health stays open for probes.
	if w := do(s, httptest.NewRequest(http.MethodGet, "/health", nil)); w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}
}

func TestUploadRaw(t *testing.T) {
	s := newTestServer(t, serverConfig{})
	image := make([]byte, 2048)
	copy(image[128:], []byte{0xd3, 0xde, 0xff, 0xff})
	body, ctype := multipartBody(t, "v2.bin", image)
	req := httptest.NewRequest(http.MethodPost, "/firmware", body)
	req.Header.Set("Content-Type", ctype)

	w := do(s, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	var res uploadResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Name != "v2.bin" || res.Size != 2048 || !res.Bootable || res.URL != "/firmware/v2.bin" {
		t.Errorf("result = %+v", res)
	}
	if res.ID == "" {
		t.Error("missing upload id")
	}
	stored, err := os.ReadFile(filepath.Join(s.cfg.Dir, "v2.bin"))
	if err != nil || !bytes.Equal(stored, image) {
		t.Errorf("stored image differs (err %v)", err)
	}
	if got := metricValue(t, s.metrics.images); got != 1 {
		t.Errorf("images gauge = %v, want 1", got)
	}
}

func TestUploadLegacyPath(t *testing.T) {
	s := newTestServer(t, serverConfig{})
	body, ctype := multipartBody(t, "", []byte("image"))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ctype)
	if w := do(s, req); w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
}

func TestUploadUF2(t *testing.T) {
	s := newTestServer(t, serverConfig{})
	path, image := createTestUF2(t, 4)
	uf2, _ := os.ReadFile(path)
	body, ctype := multipartBody(t, "", uf2)
	req := httptest.NewRequest(http.MethodPost, "/firmware", body)
	req.Header.Set("Content-Type", ctype)

	w := do(s, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	var res uploadResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Name != res.ID+".bin" {
		t.Errorf("name = %q, want %s.bin", res.Name, res.ID)
	}
	stored, _ := os.ReadFile(filepath.Join(s.cfg.Dir, res.Name))
	if !bytes.Equal(stored, image) {
		t.Error("UF2 upload was not converted to the raw image")
	}
}

func TestUploadRejected(t *testing.T) {
	tests := []struct {
		name  string
		image []byte
		file  string
		want  int
	}{
		{"empty", nil, "a.bin", http.StatusBadRequest},
		{"too large", make([]byte, 5000), "a.bin", http.StatusRequestEntityTooLarge},
		{"bad name", []byte("x"), "../a.bin", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, serverConfig{MaxUpload: 4096})
			body, ctype := multipartBody(t, tc.file, tc.image)
			req := httptest.NewRequest(http.MethodPost, "/firmware", body)
			req.Header.Set("Content-Type", ctype)
			if w := do(s, req); w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
			entries, _ := os.ReadDir(s.cfg.Dir)
			if len(entries) != 0 {
				t.Errorf("%d files left in image dir", len(entries))
			}
		})
	}

	t.Run("missing field", func(t *testing.T) {
		s := newTestServer(t, serverConfig{})
		req := httptest.NewRequest(http.MethodPost, "/firmware", strings.NewReader("x"))
		if w := do(s, req); w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestListAndRemove(t *testing.T) {
	s := newTestServer(t, serverConfig{})
	os.WriteFile(filepath.Join(s.cfg.Dir, "b.bin"), []byte("bb"), 0o644)
	os.WriteFile(filepath.Join(s.cfg.Dir, "a.bin"), []byte("a"), 0o644)
	os.WriteFile(filepath.Join(s.cfg.Dir, ".x.tmp"), []byte("partial"), 0o644)

	w := do(s, httptest.NewRequest(http.MethodGet, "/firmware", nil))
	var list struct {
		Images []storedImage `json:"images"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Images) != 2 || list.Images[0].Name != "a.bin" || list.Images[1].Size != 2 {
		t.Fatalf("images = %+v", list.Images)
	}
	// sha256("a")
	if list.Images[0].SHA256 != "ca978112ca1bbdcafac231b39a23dc4da786eff8147c4e72b9807785afee48bb" {
		t.Errorf("sha256 = %s", list.Images[0].SHA256)
	}

	if w := do(s, httptest.NewRequest(http.MethodDelete, "/firmware/a.bin", nil)); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", w.Code)
	}
	if w := do(s, httptest.NewRequest(http.MethodDelete, "/firmware/a.bin", nil)); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, serverConfig{})
	do(s, httptest.NewRequest(http.MethodGet, "/firmware/none.bin", nil))
	w := do(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), `dimmer_firmware_downloads_total{code="404",image="none.bin"} 1`) {
		t.Errorf("metrics missing download counter:\n%s", body)
	}
}
