//go:build tinygo

package ota

/*
#include <stdint.h>
#include <stdbool.h>
#include <stddef.h>

// Bootrom lookup, mirrors machine_rp2350_rom.go. TinyGo runs in Secure
// state, so only the ARM secure table is searched.
#define ROM_CODE(c1, c2) ((c1) | ((c2) << 8))
#define ROM_LOOKUP_PTR   0x16
#define RT_FLAG_ARM_SEC  0x0004

typedef void *(*rom_lookup_fn)(uint32_t code, uint32_t mask);

__attribute__((always_inline))
static void *rom_func(uint32_t code) {
    rom_lookup_fn lookup = (rom_lookup_fn)(uintptr_t)*(uint16_t*)(ROM_LOOKUP_PTR);
    return lookup(code, RT_FLAG_ARM_SEC);
}

// Partition table layout (picotool partition info):
//   0(A)       00002000->001f2000
//   1(B w/ 0)  001f2000->003e2000
#define XIP_BASE       0x10000000
#define PART_A_OFFSET  0x2000
#define PART_B_OFFSET  0x1F2000
#define PART_SIZE      0x1F0000

static uint32_t ota_get_partition_offset(int p) {
    return p == 0 ? PART_A_OFFSET : PART_B_OFFSET;
}

static uint32_t ota_get_partition_xip_addr(int p) {
    return XIP_BASE + ota_get_partition_offset(p);
}

static uint32_t ota_get_partition_max_size(void) {
    return PART_SIZE;
}

typedef int (*rom_explicit_buy_fn)(uint8_t *buf, uint32_t size);

// ota_confirm_partition performs the TBYB explicit buy.
static int ota_confirm_partition(void) {
    rom_explicit_buy_fn buy = (rom_explicit_buy_fn)rom_func(ROM_CODE('E', 'B'));
    if (!buy) return -1;
    uint32_t workarea[64];
    return buy((uint8_t*)workarea, sizeof(workarea));
}

typedef int (*rom_get_sys_info_fn)(uint32_t *out, uint32_t words, uint32_t flags);
#define SYS_INFO_BOOT_INFO 0x0040

// ota_get_current_partition reads BOOT_INFO word 1 (0xttppbbdd, pp = partition).
// Falls back to A when the ROM has no answer or booted without a table.
static int ota_get_current_partition(void) {
    rom_get_sys_info_fn info = (rom_get_sys_info_fn)rom_func(ROM_CODE('G', 'S'));
    if (!info) return 0;
    uint32_t buf[5];
    if (info(buf, 5, SYS_INFO_BOOT_INFO) < 0) return 0;
    if (!(buf[0] & SYS_INFO_BOOT_INFO)) return 0;
    uint8_t p = (buf[1] >> 16) & 0xFF;
    return p == 0xFF ? 0 : (int)p;
}

typedef int (*rom_reboot_fn)(uint32_t flags, uint32_t delay_ms, uint32_t p0, uint32_t p1);
#define REBOOT_TYPE_FLASH_UPDATE 0x4
#define REBOOT_NO_RETURN         0x100

static int last_reboot_result = 0;

// ota_reboot_to_partition asks the bootrom to try the image at the given
// partition (p0 is its XIP address). Returns only on failure.
static void ota_reboot_to_partition(int p) {
    rom_reboot_fn reboot = (rom_reboot_fn)rom_func(ROM_CODE('R', 'B'));
    if (!reboot) {
        last_reboot_result = -1;
        return;
    }
    last_reboot_result = reboot(REBOOT_TYPE_FLASH_UPDATE | REBOOT_NO_RETURN,
        1000, ota_get_partition_xip_addr(p), 0);
    if (last_reboot_result == 0) {
        for (volatile uint32_t i = 0; i < 20000000; i++) { }
        while (1) { __asm__("wfi"); }
    }
}

static int ota_get_reboot_result(void) {
    return last_reboot_result;
}

// ota_reboot_normal forces a watchdog reset (WATCHDOG_CTRL TRIGGER bit).
static void ota_reboot_normal(void) {
    *(volatile uint32_t*)0x400d8000 = (1u << 31);
    while (1) { __asm__("nop"); }
}

typedef void (*flash_void_fn)(void);
typedef void (*flash_erase_fn)(uint32_t addr, size_t count, uint32_t block_size, uint8_t block_cmd);
typedef void (*flash_program_fn)(uint32_t addr, const uint8_t *data, size_t count);

#define FLASH_SECTOR_SIZE 4096
#define FLASH_SECTOR_CMD  0x20

// Raw-offset flash access through the ROM. machine.Flash adds
// FlashDataStart() to every offset, which is wrong for partition writes.
// Interrupts stay masked while XIP is down.
static void ota_flash_write(uint32_t offset, const uint8_t *data, uint32_t len) {
    flash_void_fn connect = (flash_void_fn)rom_func(ROM_CODE('I', 'F'));
    flash_void_fn exit_xip = (flash_void_fn)rom_func(ROM_CODE('E', 'X'));
    flash_program_fn program = (flash_program_fn)rom_func(ROM_CODE('R', 'P'));
    flash_void_fn flush = (flash_void_fn)rom_func(ROM_CODE('F', 'C'));
    if (!connect || !exit_xip || !program || !flush) return;

    uint32_t primask;
    __asm__ volatile ("mrs %0, primask" : "=r" (primask));
    __asm__ volatile ("cpsid i");
    connect();
    exit_xip();
    program(offset, data, len);
    flush();
    __asm__ volatile ("msr primask, %0" : : "r" (primask));
}

static void ota_flash_erase(uint32_t offset, uint32_t count) {
    flash_void_fn connect = (flash_void_fn)rom_func(ROM_CODE('I', 'F'));
    flash_void_fn exit_xip = (flash_void_fn)rom_func(ROM_CODE('E', 'X'));
    flash_erase_fn erase = (flash_erase_fn)rom_func(ROM_CODE('R', 'E'));
    flash_void_fn flush = (flash_void_fn)rom_func(ROM_CODE('F', 'C'));
    if (!connect || !exit_xip || !erase || !flush) return;

    uint32_t primask;
    __asm__ volatile ("mrs %0, primask" : "=r" (primask));
    __asm__ volatile ("cpsid i");
    connect();
    exit_xip();
    erase(offset, count, FLASH_SECTOR_SIZE, FLASH_SECTOR_CMD);
    flush();
    __asm__ volatile ("msr primask, %0" : : "r" (primask));
}
*/
import "C"

import (
	"errors"
	"unsafe"
)

const (
	rp2350SectorSize = 4096
	rp2350PageSize   = 256
)

var ErrConfirmFailed = errors.New("ota: partition confirm failed")

// RP2350 is the on-chip QSPI flash of an RP2350 with the A/B partition
// table flashed by picotool. It implements Device and Restarter.
type RP2350 struct {
	pending    Partition
	hasPending bool
	shutdown   func()
}

// NewRP2350 returns the flash device. shutdown, if non-nil, runs before
// any reboot (WiFi teardown).
func NewRP2350(shutdown func()) *RP2350 {
	return &RP2350{shutdown: shutdown}
}

// Confirm accepts the running image (TBYB). Must be called within 16.7s of
// boot or the bootrom reverts to the previous partition on next reset.
// Safe to call when no trial is pending.
func (d *RP2350) Confirm() error {
	if C.ota_confirm_partition() != 0 {
		return ErrConfirmFailed
	}
	return nil
}

// ConfirmCode is Confirm returning the raw ROM result (0 = success).
func (d *RP2350) ConfirmCode() int {
	return int(C.ota_confirm_partition())
}

func (d *RP2350) Geometry() Geometry {
	return Geometry{
		SectorSize:    rp2350SectorSize,
		PageSize:      rp2350PageSize,
		PartitionSize: uint32(C.ota_get_partition_max_size()),
	}
}

// Running uses ROM get_sys_info BOOT_INFO, as the Pico SDK does.
func (d *RP2350) Running() Partition {
	if C.ota_get_current_partition() == 1 {
		return PartitionB
	}
	return PartitionA
}

func (d *RP2350) Erase(p Partition, off uint32) error {
	base := uint32(C.ota_get_partition_offset(C.int(p)))
	C.ota_flash_erase(C.uint32_t(base+off), C.uint32_t(rp2350SectorSize))
	return nil
}

func (d *RP2350) Program(p Partition, off uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	base := uint32(C.ota_get_partition_offset(C.int(p)))
	C.ota_flash_write(C.uint32_t(base+off), (*C.uint8_t)(&data[0]), C.uint32_t(len(data)))
	return nil
}

// ReadAt reads through the XIP window, which the ROM flush after each
// program keeps coherent.
func (d *RP2350) ReadAt(p Partition, off uint32, b []byte) error {
	addr := uintptr(C.ota_get_partition_xip_addr(C.int(p))) + uintptr(off)
	copy(b, unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(b)))
	return nil
}

// SetBoot checks p holds an RP2350 image and arms it for the next Restart.
// The partition table has no persistent boot pointer: the switch happens
// through a FLASH_UPDATE reboot and sticks once the new image confirms.
func (d *RP2350) SetBoot(p Partition, size uint32) error {
	n := uint32(picobinSearchSize)
	if size < n {
		n = size
	}
	var head [picobinSearchSize]byte
	if err := d.ReadAt(p, 0, head[:n]); err != nil {
		return err
	}
	if !hasPicobinMarker(head[:n]) {
		return ErrNoImage
	}
	d.pending = p
	d.hasPending = true
	return nil
}

// Restart reboots into the armed partition, or plainly if none is armed.
// Does not return on success.
func (d *RP2350) Restart() {
	if d.shutdown != nil {
		d.shutdown()
	}
	if d.hasPending {
		C.ota_reboot_to_partition(C.int(d.pending))
	}
	C.ota_reboot_normal()
}

// RebootResult returns the ROM result of the last reboot-to-partition
// attempt (0 = success, negative = ROM error).
func (d *RP2350) RebootResult() int {
	return int(C.ota_get_reboot_result())
}

// Offset returns the raw flash offset of p.
func (d *RP2350) Offset(p Partition) uint32 {
	return uint32(C.ota_get_partition_offset(C.int(p)))
}
