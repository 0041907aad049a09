package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestUploadImage(t *testing.T) {
	s := newTestServer(t, serverConfig{Username: "ota", Password: "pw"})
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	img := []byte("new firmware")
	res, err := uploadImage(ts.Client(), ts.URL+"/", "v3.bin", img, "ota", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if res.URL != ts.URL+"/firmware/v3.bin" {
		t.Errorf("URL = %q", res.URL)
	}
	stored, _ := os.ReadFile(filepath.Join(s.cfg.Dir, "v3.bin"))
	if !bytes.Equal(stored, img) {
		t.Errorf("stored = %q, want %q", stored, img)
	}

	resp, err := ts.Client().Get(res.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous download = %d, want 401", resp.StatusCode)
	}
}

func TestUploadImageErrors(t *testing.T) {
	s := newTestServer(t, serverConfig{MaxUpload: 8})
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	_, err := uploadImage(ts.Client(), ts.URL, "big.bin", make([]byte, 64), "", "")
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("err = %v, want too large", err)
	}
	if _, err := uploadImage(ts.Client(), "http://127.0.0.1:1", "x.bin", []byte("x"), "", ""); err == nil {
		t.Error("expected dial error")
	}
}
