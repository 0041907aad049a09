package ota

import (
	"bytes"
	"crypto/sha256"
	"hash"
	"sync"
)

// Partition identifies one of the two firmware slots.
type Partition uint8

const (
	PartitionA Partition = 0
	PartitionB Partition = 1
)

// Other returns the opposite partition.
func (p Partition) Other() Partition {
	if p == PartitionA {
		return PartitionB
	}
	return PartitionA
}

func (p Partition) String() string {
	if p == PartitionA {
		return "A"
	}
	return "B"
}

// Geometry describes the flash layout of a partition.
type Geometry struct {
	SectorSize    uint32 // erase block
	PageSize      uint32 // program block
	PartitionSize uint32
}

// Device is raw A/B partition storage. Offsets are relative to the start
// of the partition.
type Device interface {
	Geometry() Geometry
	// Running reports the partition the current image booted from.
	Running() Partition
	// Erase erases the sector starting at off.
	Erase(p Partition, off uint32) error
	// Program writes whole pages at off. The range must be erased.
	Program(p Partition, off uint32, data []byte) error
	ReadAt(p Partition, off uint32, b []byte) error
	// SetBoot makes p the partition booted on next restart.
	SetBoot(p Partition, size uint32) error
}

// Target hands out write slots on the inactive partition.
type Target interface {
	BeginSlot() (Slot, error)
}

// Slot is a single-use write cursor into a partition.
type Slot interface {
	Append(b []byte) error
	Finalize() error
	SetBootTarget() error
	// Abort discards a non-finalized slot. Repeated calls return nil.
	Abort() error
}

// Flash is a Target over a Device. It allows one open slot at a time.
type Flash struct {
	dev Device

	mu    sync.Mutex
	open  *slot
	begun int
}

// NewFlash returns a Target writing to the non-running partition of dev.
func NewFlash(dev Device) *Flash {
	return &Flash{dev: dev}
}

// BeginSlot opens a slot on the partition the device is not running from.
func (f *Flash) BeginSlot() (Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open != nil {
		return nil, ErrSlotBusy
	}
	geo := f.dev.Geometry()
	s := &slot{
		f:    f,
		part: f.dev.Running().Other(),
		geo:  geo,
		page: make([]byte, 0, geo.PageSize),
		sum:  sha256.New(),
	}
	f.open = s
	f.begun++
	return s, nil
}

// OpenSlots returns the number of slots currently open (0 or 1).
func (f *Flash) OpenSlots() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open != nil {
		return 1
	}
	return 0
}

// Begun returns how many slots have ever been opened.
func (f *Flash) Begun() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.begun
}

func (f *Flash) release(s *slot) {
	f.mu.Lock()
	if f.open == s {
		f.open = nil
	}
	f.mu.Unlock()
}

type slotState uint8

const (
	slotOpen slotState = iota
	slotFinalized
	slotBootable
	slotAborted
)

type slot struct {
	f    *Flash
	part Partition
	geo  Geometry

	state      slotState
	page       []byte
	size       uint32 // bytes appended
	programmed uint32 // bytes written to flash
	erased     uint32 // flash erased up to this offset
	sum        hash.Hash
}

func (s *slot) Append(b []byte) error {
	if s.state != slotOpen {
		return ErrSlotClosed
	}
	if uint64(s.size)+uint64(len(b)) > uint64(s.geo.PartitionSize) {
		return ErrImageTooLarge
	}
	s.sum.Write(b)
	s.size += uint32(len(b))
	for len(b) > 0 {
		n := copy(s.page[len(s.page):cap(s.page)], b)
		s.page = s.page[:len(s.page)+n]
		b = b[n:]
		if len(s.page) == cap(s.page) {
			if err := s.flushPage(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *slot) flushPage() error {
	end := s.programmed + s.geo.PageSize
	for s.erased < end {
		if err := s.f.dev.Erase(s.part, s.erased); err != nil {
			return err
		}
		s.erased += s.geo.SectorSize
	}
	if err := s.f.dev.Program(s.part, s.programmed, s.page); err != nil {
		return err
	}
	s.programmed = end
	s.page = s.page[:0]
	return nil
}

// Finalize flushes the last partial page and verifies the written image
// by reading it back.
func (s *slot) Finalize() error {
	if s.state != slotOpen {
		return ErrSlotClosed
	}
	if s.size == 0 {
		return ErrEmptyImage
	}
	if len(s.page) > 0 {
		for len(s.page) < cap(s.page) {
			s.page = append(s.page, 0xFF)
		}
		if err := s.flushPage(); err != nil {
			return err
		}
	}
	if err := s.verify(); err != nil {
		return err
	}
	s.state = slotFinalized
	s.f.release(s)
	return nil
}

func (s *slot) verify() error {
	h := sha256.New()
	buf := make([]byte, s.geo.PageSize)
	for off := uint32(0); off < s.size; off += s.geo.PageSize {
		n := s.geo.PageSize
		if s.size-off < n {
			n = s.size - off
		}
		if err := s.f.dev.ReadAt(s.part, off, buf[:n]); err != nil {
			return err
		}
		h.Write(buf[:n])
	}
	if !bytes.Equal(h.Sum(nil), s.sum.Sum(nil)) {
		return ErrVerify
	}
	return nil
}

func (s *slot) SetBootTarget() error {
	if s.state != slotFinalized {
		return ErrNotFinalized
	}
	if err := s.f.dev.SetBoot(s.part, s.size); err != nil {
		return err
	}
	s.state = slotBootable
	return nil
}

// Abort erases the first sector so a partial image can never be booted,
// then releases the slot.
func (s *slot) Abort() error {
	if s.state != slotOpen {
		return nil
	}
	s.state = slotAborted
	defer s.f.release(s)
	if s.erased > 0 {
		return s.f.dev.Erase(s.part, 0)
	}
	return nil
}
