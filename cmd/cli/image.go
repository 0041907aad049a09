package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"openenterprise/dimmer/ota"
)

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Inspect and convert firmware images",
}

var imageInfoCmd = &cobra.Command{
	Use:   "info <file>",
	Short: "Show UF2 header details, size and SHA-256 of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return imageInfo(args[0], cmd.OutOrStdout())
	},
}

var imageExtractCmd = &cobra.Command{
	Use:   "extract <in.uf2> <out.bin>",
	Short: "Convert a UF2 file into the raw image the device downloads",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		bin, err := extractUF2Binary(data)
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[1], bin, 0o644); err != nil {
			return err
		}
		printImageSummary(cmd.OutOrStdout(), args[1], bin)
		return nil
	},
}

func init() {
	imageCmd.AddCommand(imageInfoCmd, imageExtractCmd)
	rootCmd.AddCommand(imageCmd)
}

// loadImage returns the raw image in path, extracting it first when path
// is a UF2 file.
func loadImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if isUF2(data) {
		return extractUF2Binary(data)
	}
	return data, nil
}

func imageInfo(path string, out io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	bin := data
	if isUF2(data) {
		if err := readFirmwareInfo(path, out); err != nil {
			return err
		}
		if bin, err = extractUF2Binary(data); err != nil {
			return err
		}
	}
	printImageSummary(out, path, bin)
	return nil
}

func printImageSummary(out io.Writer, path string, bin []byte) {
	sum := sha256.Sum256(bin)
	fmt.Fprintf(out, "Image: %s\n", path)
	fmt.Fprintf(out, "  Size: %d bytes\n", len(bin))
	fmt.Fprintf(out, "  SHA-256: %s\n", hex.EncodeToString(sum[:]))
	if ota.Bootable(bin) {
		fmt.Fprintln(out, "  Bootable: yes")
	} else {
		fmt.Fprintln(out, "  Bootable: no (IMAGE_DEF marker missing)")
	}
}
