package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const uploadTimeout = 60 * time.Second

var (
	uploadName    string
	uploadTrigger string
)

var uploadCmd = &cobra.Command{
	Use:   "upload <server-url> <file>",
	Short: "Upload a firmware image to a dimmer-cli server",
	Long: `Uploads a raw or UF2 image to a server started with "dimmer-cli serve".
UF2 files are converted locally first. With --trigger the named device is
told to install the uploaded image right away.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := loadImage(args[1])
		if err != nil {
			return err
		}
		name := uploadName
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(args[1]), filepath.Ext(args[1])) + ".bin"
		}
		client := &http.Client{Timeout: uploadTimeout}
		res, err := uploadImage(client, args[0], name, img, viper.GetString("server.username"), viper.GetString("server.password"))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Uploaded %s (%d bytes)\n", res.Name, res.Size)
		fmt.Fprintf(out, "  SHA-256: %s\n", res.SHA256)
		fmt.Fprintf(out, "  URL: %s\n", res.URL)
		if !res.Bootable {
			log.Warn("upload:not-bootable", slog.String("name", res.Name))
		}
		if uploadTrigger == "" {
			return nil
		}
		return runCommand(consoleAddr(uploadTrigger), "ota-start "+res.URL, getPassword(consolePassword), out)
	},
}

func init() {
	uploadCmd.Flags().StringVar(&uploadName, "name", "", "stored image name (default: file name with .bin)")
	uploadCmd.Flags().StringVar(&uploadTrigger, "trigger", "", "device host to update after upload")
	uploadCmd.Flags().StringVar(&consolePassword, "password", "", "console password for --trigger")
	rootCmd.AddCommand(uploadCmd)
}

type uploadResult struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int    `json:"size"`
	SHA256   string `json:"sha256"`
	Bootable bool   `json:"bootable"`
	URL      string `json:"url"`
}

// uploadImage posts img as multipart field "firmware". The returned URL is
// absolute, ready to hand to a device.
func uploadImage(client *http.Client, server, name string, img []byte, user, pass string) (uploadResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("name", name); err != nil {
		return uploadResult{}, err
	}
	fw, err := mw.CreateFormFile(uploadField, name)
	if err != nil {
		return uploadResult{}, err
	}
	if _, err := fw.Write(img); err != nil {
		return uploadResult{}, err
	}
	if err := mw.Close(); err != nil {
		return uploadResult{}, err
	}

	server = strings.TrimSuffix(server, "/")
	req, err := http.NewRequest(http.MethodPost, server+"/firmware", &body)
	if err != nil {
		return uploadResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	resp, err := client.Do(req)
	if err != nil {
		return uploadResult{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return uploadResult{}, err
	}
	if resp.StatusCode != http.StatusCreated {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return uploadResult{}, fmt.Errorf("upload failed: %s: %s", resp.Status, e.Error)
		}
		return uploadResult{}, fmt.Errorf("upload failed: %s", resp.Status)
	}
	var res uploadResult
	if err := json.Unmarshal(data, &res); err != nil {
		return uploadResult{}, fmt.Errorf("decode upload response: %w", err)
	}
	res.URL = server + res.URL
	return res, nil
}
