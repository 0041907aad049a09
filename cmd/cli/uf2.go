package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// UF2 block layout (512 bytes):
//
//	0-3:     magic 1 (0x0A324655 "UF2\n")
//	4-7:     magic 2 (0x9E5D5157)
//	8-11:    flags
//	12-15:   target address
//	16-19:   payload size (typically 256)
//	20-23:   block number
//	24-27:   total blocks
//	28-31:   file size or family ID (depends on flags)
//	32-507:  data (476 bytes max)
//	508-511: magic 3 (0x0AB16F30)
const (
	uf2BlockSize  = 512
	uf2MaxPayload = 476
	uf2Magic1     = 0x0A324655
	uf2Magic2     = 0x9E5D5157
	uf2Magic3     = 0x0AB16F30

	uf2FlagNotMainFlash  = 0x00000001
	uf2FlagFileContainer = 0x00001000
	uf2FlagFamilyID      = 0x00002000
	uf2FlagMD5           = 0x00004000
	uf2FlagExtTags       = 0x00008000

	// maxImageSize bounds extracted images; the flash is 4 MiB.
	maxImageSize = 4 << 20
)

var (
	errNotUF2      = errors.New("not a valid UF2 file (bad magic)")
	errUF2TooSmall = errors.New("file too small to be UF2")
)

// uf2Block is the header of one UF2 block.
type uf2Block struct {
	Flags       uint32
	TargetAddr  uint32
	PayloadSize uint32
	BlockNo     uint32
	NumBlocks   uint32
	FamilyID    uint32
}

func parseUF2Block(block []byte) (uf2Block, error) {
	if len(block) < uf2BlockSize {
		return uf2Block{}, errUF2TooSmall
	}
	le := binary.LittleEndian
	if le.Uint32(block[0:4]) != uf2Magic1 || le.Uint32(block[4:8]) != uf2Magic2 ||
		le.Uint32(block[508:512]) != uf2Magic3 {
		return uf2Block{}, errNotUF2
	}
	return uf2Block{
		Flags:       le.Uint32(block[8:12]),
		TargetAddr:  le.Uint32(block[12:16]),
		PayloadSize: le.Uint32(block[16:20]),
		BlockNo:     le.Uint32(block[20:24]),
		NumBlocks:   le.Uint32(block[24:28]),
		FamilyID:    le.Uint32(block[28:32]),
	}, nil
}

// isUF2 reports whether data starts with a UF2 block.
func isUF2(data []byte) bool {
	_, err := parseUF2Block(data)
	return err == nil
}

func familyName(id uint32) string {
	switch id {
	case 0xe48bff56:
		return "RP2040"
	case 0xe48bff57:
		return "RP2350 ARM-S"
	case 0xe48bff58:
		return "RP2350 ARM-NS"
	case 0xe48bff59:
		return "RP2350 RISC-V"
	default:
		return "unknown"
	}
}

func flagNames(flags uint32) []string {
	var names []string
	for _, f := range []struct {
		bit  uint32
		name string
	}{
		{uf2FlagNotMainFlash, "NOT_MAIN_FLASH"},
		{uf2FlagFileContainer, "FILE_CONTAINER"},
		{uf2FlagFamilyID, "FAMILY_ID_PRESENT"},
		{uf2FlagMD5, "MD5_CHECKSUM_PRESENT"},
		{uf2FlagExtTags, "EXTENSION_TAGS_PRESENT"},
	} {
		if flags&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	return names
}

// extractUF2Binary extracts the raw binary from a UF2 container file.
// Blocks may arrive in any order; gaps between them read as erased flash.
func extractUF2Binary(uf2Data []byte) ([]byte, error) {
	if len(uf2Data) < uf2BlockSize {
		return nil, errUF2TooSmall
	}
	if len(uf2Data)%uf2BlockSize != 0 {
		return nil, fmt.Errorf("UF2 file size %d not multiple of 512", len(uf2Data))
	}
	numBlocks := len(uf2Data) / uf2BlockSize

	// First pass: find the address range
	var minAddr, maxAddr uint64 = 1<<32 - 1, 0
	blocks := make([]uf2Block, numBlocks)
	for i := range blocks {
		b, err := parseUF2Block(uf2Data[i*uf2BlockSize:])
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		if b.PayloadSize > uf2MaxPayload {
			return nil, fmt.Errorf("block %d: payload size %d too large", i, b.PayloadSize)
		}
		blocks[i] = b
		if b.Flags&uf2FlagNotMainFlash != 0 {
			continue
		}
		minAddr = min(minAddr, uint64(b.TargetAddr))
		maxAddr = max(maxAddr, uint64(b.TargetAddr)+uint64(b.PayloadSize))
	}
	if maxAddr <= minAddr {
		return nil, errors.New("UF2 file has no flash payload")
	}
	if maxAddr-minAddr > maxImageSize {
		return nil, fmt.Errorf("extracted binary too large: %d bytes", maxAddr-minAddr)
	}

	output := make([]byte, maxAddr-minAddr)
	for i := range output {
		output[i] = 0xFF
	}
	// Second pass: copy payloads to correct offsets
	for i, b := range blocks {
		if b.Flags&uf2FlagNotMainFlash != 0 {
			continue
		}
		block := uf2Data[i*uf2BlockSize:]
		off := uint64(b.TargetAddr) - minAddr
		copy(output[off:off+uint64(b.PayloadSize)], block[32:32+b.PayloadSize])
	}
	return output, nil
}

// readFirmwareInfo reads and displays UF2 file information
func readFirmwareInfo(path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return err
	}
	fileSize := stat.Size()

	block := make([]byte, uf2BlockSize)
	if _, err := io.ReadFull(f, block); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return errUF2TooSmall
		}
		return err
	}
	b, err := parseUF2Block(block)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "UF2 File: %s\n", path)
	fmt.Fprintf(out, "  File size: %d bytes (%d KB)\n", fileSize, fileSize/1024)
	fmt.Fprintf(out, "  Blocks: %d (block 0 shown)\n", b.NumBlocks)
	fmt.Fprintf(out, "  Target address: 0x%08x\n", b.TargetAddr)
	fmt.Fprintf(out, "  Payload per block: %d bytes\n", b.PayloadSize)
	fmt.Fprintf(out, "  Flags: 0x%08x\n", b.Flags)
	for _, name := range flagNames(b.Flags) {
		fmt.Fprintf(out, "    - %s\n", name)
	}
	if b.Flags&uf2FlagFamilyID != 0 {
		fmt.Fprintf(out, "  Family ID: 0x%08x (%s)\n", b.FamilyID, familyName(b.FamilyID))
	}
	fwSize := uint64(b.NumBlocks) * uint64(b.PayloadSize)
	fmt.Fprintf(out, "  Firmware size: ~%d bytes (%d KB)\n", fwSize, fwSize/1024)
	return nil
}
