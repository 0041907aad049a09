//go:build !tinygo

package ota

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileDevice keeps both partitions as files in a directory, plus a "boot"
// file naming the partition to boot next. Used by the host simulator.
type FileDevice struct {
	Dir string
	Geo Geometry
	// RequireMarker makes SetBoot reject images without an RP2350
	// IMAGE_DEF marker, like the real bootrom.
	RequireMarker bool
}

// NewFileDevice returns a device rooted at dir with RP2350-like geometry
// and the given partition size.
func NewFileDevice(dir string, partitionSize uint32) (*FileDevice, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileDevice{
		Dir: dir,
		Geo: Geometry{SectorSize: 4096, PageSize: 256, PartitionSize: partitionSize},
	}, nil
}

func (d *FileDevice) Geometry() Geometry { return d.Geo }

func (d *FileDevice) slotPath(p Partition) string {
	return filepath.Join(d.Dir, "slot-"+strings.ToLower(p.String())+".bin")
}

func (d *FileDevice) bootPath() string {
	return filepath.Join(d.Dir, "boot")
}

// Running returns the partition named in the boot file, A if absent.
func (d *FileDevice) Running() Partition {
	p, _, err := d.Boot()
	if err != nil {
		return PartitionA
	}
	return p
}

// Boot returns the boot pointer and the recorded image size.
func (d *FileDevice) Boot() (Partition, uint32, error) {
	b, err := os.ReadFile(d.bootPath())
	if err != nil {
		return PartitionA, 0, err
	}
	fields := strings.Fields(string(b))
	if len(fields) != 2 {
		return PartitionA, 0, fmt.Errorf("ota: malformed boot file %q", b)
	}
	p := PartitionA
	switch fields[0] {
	case "A":
	case "B":
		p = PartitionB
	default:
		return PartitionA, 0, fmt.Errorf("ota: unknown partition %q", fields[0])
	}
	size, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return PartitionA, 0, fmt.Errorf("ota: bad image size: %w", err)
	}
	return p, uint32(size), nil
}

func (d *FileDevice) open(p Partition) (*os.File, error) {
	f, err := os.OpenFile(d.slotPath(p), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(d.Geo.PartitionSize)); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (d *FileDevice) check(off, n uint32) error {
	if uint64(off)+uint64(n) > uint64(d.Geo.PartitionSize) {
		return fmt.Errorf("ota: range %d+%d outside partition", off, n)
	}
	return nil
}

func (d *FileDevice) Erase(p Partition, off uint32) error {
	if off%d.Geo.SectorSize != 0 {
		return fmt.Errorf("ota: erase offset %d not sector aligned", off)
	}
	if err := d.check(off, d.Geo.SectorSize); err != nil {
		return err
	}
	f, err := d.open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(bytes.Repeat([]byte{0xFF}, int(d.Geo.SectorSize)), int64(off))
	return err
}

func (d *FileDevice) Program(p Partition, off uint32, data []byte) error {
	if off%d.Geo.PageSize != 0 || uint32(len(data))%d.Geo.PageSize != 0 {
		return fmt.Errorf("ota: program %d+%d not page aligned", off, len(data))
	}
	if err := d.check(off, uint32(len(data))); err != nil {
		return err
	}
	f, err := d.open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(data, int64(off))
	return err
}

func (d *FileDevice) ReadAt(p Partition, off uint32, b []byte) error {
	if err := d.check(off, uint32(len(b))); err != nil {
		return err
	}
	f, err := d.open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.ReadAt(b, int64(off))
	return err
}

func (d *FileDevice) SetBoot(p Partition, size uint32) error {
	if d.RequireMarker {
		n := min(size, picobinSearchSize)
		head := make([]byte, n)
		if err := d.ReadAt(p, 0, head); err != nil {
			return err
		}
		if !hasPicobinMarker(head) {
			return ErrNoImage
		}
	}
	tmp := d.bootPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(p.String()+" "+strconv.FormatUint(uint64(size), 10)+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, d.bootPath())
}
