//go:build tinygo

// Package rp2350 adapts the RP2350 ROM's flash and reboot calls to the
// engine's fal.FlashDevice capability pair, plus the TBYB (Try Before
// You Buy) partition lifecycle the device binary drives around an
// update session.
package rp2350

/*
#include <stdint.h>
#include <stdbool.h>
#include <stddef.h>

// ============================================================================
// ROM Function Infrastructure (duplicated from TinyGo's machine_rp2350_rom.go)
// ============================================================================

// ROM table code macro - creates 16-bit code from two characters
#define ROM_TABLE_CODE(c1, c2) ((c1) | ((c2) << 8))

// ROM function codes
#define ROM_FUNC_REBOOT       ROM_TABLE_CODE('R', 'B')
#define ROM_FUNC_EXPLICIT_BUY ROM_TABLE_CODE('E', 'B')

// Bootrom constants
#define BOOTROM_FUNC_TABLE_OFFSET   0x14
#define BOOTROM_WELL_KNOWN_PTR_SIZE 2
#define BOOTROM_TABLE_LOOKUP_OFFSET (BOOTROM_FUNC_TABLE_OFFSET + BOOTROM_WELL_KNOWN_PTR_SIZE)

// ROM lookup flags
#define RT_FLAG_FUNC_ARM_SEC    0x0004
#define RT_FLAG_FUNC_ARM_NONSEC 0x0010

// Reboot type flags
#define REBOOT2_FLAG_REBOOT_TYPE_NORMAL       0x0
#define REBOOT2_FLAG_REBOOT_TYPE_BOOTSEL      0x2
#define REBOOT2_FLAG_REBOOT_TYPE_FLASH_UPDATE 0x4
#define REBOOT2_FLAG_NO_RETURN_ON_SUCCESS     0x100

// Function pointer types
typedef void *(*rom_table_lookup_fn)(uint32_t code, uint32_t mask);
typedef int (*rom_reboot_fn)(uint32_t flags, uint32_t delay_ms, uint32_t p0, uint32_t p1);
typedef int (*rom_explicit_buy_fn)(uint8_t *buffer, uint32_t buffer_size);

// Check if processor is in non-secure state
// TinyGo on RP2350 typically runs in Secure mode (no TrustZone configured)
__attribute__((always_inline))
static inline bool pico_processor_state_is_nonsecure(void) {
    // Try Secure mode first - TinyGo likely runs in Secure state
    return false;
}

// ROM function lookup (matches TinyGo's implementation pattern)
__attribute__((always_inline))
static void *rom_func_lookup_inline(uint32_t code) {
    rom_table_lookup_fn rom_table_lookup =
        (rom_table_lookup_fn)(uintptr_t)*(uint16_t*)(BOOTROM_TABLE_LOOKUP_OFFSET);
    if (pico_processor_state_is_nonsecure()) {
        return rom_table_lookup(code, RT_FLAG_FUNC_ARM_NONSEC);
    } else {
        return rom_table_lookup(code, RT_FLAG_FUNC_ARM_SEC);
    }
}

// ============================================================================
// Reboot / TBYB
// ============================================================================

#define XIP_BASE 0x10000000

static int ota_reboot(uint32_t flags, uint32_t delay_ms, uint32_t p0, uint32_t p1) {
    rom_reboot_fn func = (rom_reboot_fn) rom_func_lookup_inline(ROM_FUNC_REBOOT);
    if (!func) return -1;
    return func(flags, delay_ms, p0, p1);
}

// ota_confirm_partition confirms the current partition (TBYB).
// Must be called within 16.7s of boot or bootrom auto-reverts.
static int ota_confirm_partition(void) {
    rom_explicit_buy_fn func = (rom_explicit_buy_fn) rom_func_lookup_inline(ROM_FUNC_EXPLICIT_BUY);
    if (!func) return -1;
    uint32_t workarea[64];  // SDK recommends 256 bytes for workarea, aligned to 4 bytes
    return func((uint8_t*)workarea, sizeof(workarea));
}

static int last_reboot_result = 0;

// ota_reboot_to_partition triggers a reboot into the given partition's
// flash offset, per RP2350 datasheet 5.4.8.24 (REBOOT_TYPE_FLASH_UPDATE
// expects p0 = the flash address of the updated region).
static void ota_reboot_to_partition(uint32_t flash_offset) {
    uint32_t xip_addr = XIP_BASE + flash_offset;
    last_reboot_result = ota_reboot(
        REBOOT2_FLAG_REBOOT_TYPE_FLASH_UPDATE | REBOOT2_FLAG_NO_RETURN_ON_SUCCESS,
        1000, xip_addr, 0);

    if (last_reboot_result == 0) {
        for (volatile uint32_t i = 0; i < 20000000; i++) { }
        while(1) { __asm__("wfi"); }
    }
}

static int ota_get_reboot_result(void) {
    return last_reboot_result;
}

static void ota_reboot_normal(void) {
    #define WATCHDOG_BASE 0x400d8000
    #define WATCHDOG_CTRL (WATCHDOG_BASE + 0x00)
    #define WATCHDOG_CTRL_TRIGGER (1u << 31)
    *(volatile uint32_t*)WATCHDOG_CTRL = WATCHDOG_CTRL_TRIGGER;
    while(1) { __asm__("nop"); }
}

// ============================================================================
// Current Partition Detection (using ROM get_sys_info)
// ============================================================================

#define ROM_FUNC_GET_SYS_INFO ROM_TABLE_CODE('G', 'S')
#define SYS_INFO_BOOT_INFO 0x0040

typedef int (*rom_get_sys_info_fn)(uint32_t *out_buffer, uint32_t out_buffer_word_size, uint32_t flags);

// ota_get_current_partition returns which partition we booted from.
// Per RP2350 datasheet 5.4.8.17: Word 1 is 0xttppbbdd where pp = boot partition.
static int ota_get_current_partition(void) {
    rom_get_sys_info_fn func = (rom_get_sys_info_fn) rom_func_lookup_inline(ROM_FUNC_GET_SYS_INFO);
    if (!func) return 0;

    uint32_t buffer[5];
    int ret = func(buffer, 5, SYS_INFO_BOOT_INFO);
    if (ret < 0) return 0;
    if (!(buffer[0] & SYS_INFO_BOOT_INFO)) return 0;

    uint8_t partition = (buffer[1] >> 16) & 0xFF;
    if (partition == 0xFF) return 0;
    return (int)partition;
}

// ============================================================================
// Direct Flash Operations (bypasses TinyGo's machine.Flash, which uses
// the wrong offsets for a partitioned layout)
// ============================================================================

#define ROM_FUNC_CONNECT_INTERNAL_FLASH ROM_TABLE_CODE('I', 'F')
#define ROM_FUNC_FLASH_EXIT_XIP         ROM_TABLE_CODE('E', 'X')
#define ROM_FUNC_FLASH_RANGE_ERASE      ROM_TABLE_CODE('R', 'E')
#define ROM_FUNC_FLASH_RANGE_PROGRAM    ROM_TABLE_CODE('R', 'P')
#define ROM_FUNC_FLASH_FLUSH_CACHE      ROM_TABLE_CODE('F', 'C')

#define FLASH_SECTOR_SIZE      4096
#define FLASH_SECTOR_ERASE_CMD 0x20

typedef void (*flash_connect_internal_fn)(void);
typedef void (*flash_exit_xip_fn)(void);
typedef void (*flash_range_erase_fn)(uint32_t addr, size_t count, uint32_t block_size, uint8_t block_cmd);
typedef void (*flash_range_program_fn)(uint32_t addr, const uint8_t *data, size_t count);
typedef void (*flash_flush_cache_fn)(void);

static void ota_flash_write(uint32_t offset, const uint8_t *data, uint32_t len) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_program_fn program = (flash_range_program_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_PROGRAM);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);

    if (!connect || !exit_xip || !program || !flush) return;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");

    connect();
    exit_xip();
    program(offset, data, len);
    flush();

    __asm__ volatile ("msr primask, %0" : : "r" (status));
}

static void ota_flash_erase(uint32_t offset, uint32_t count) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_erase_fn erase = (flash_range_erase_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_ERASE);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);

    if (!connect || !exit_xip || !erase || !flush) return;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");

    connect();
    exit_xip();
    erase(offset, count, FLASH_SECTOR_SIZE, FLASH_SECTOR_ERASE_CMD);
    flush();

    __asm__ volatile ("msr primask, %0" : : "r" (status));
}
*/
import "C"

import "errors"

// SectorSize is the RP2350's erase granularity.
const SectorSize = 4096

// ErrConfirmFailed is returned by ConfirmPartition when the ROM's
// explicit_buy call fails.
var ErrConfirmFailed = errors.New("rp2350: partition confirm failed")

// Device implements fal.FlashDevice over the RP2350 ROM's internal
// flash program/erase calls, bypassing TinyGo's machine.Flash (which
// assumes an unpartitioned flash layout).
type Device struct{}

// NewDevice returns a FlashDevice backed by the RP2350's internal flash.
func NewDevice() *Device { return &Device{} }

// Erase implements fal.FlashDevice, rounding up to whole sectors and
// reporting the actual erased length.
func (d *Device) Erase(offset, length uint32) (uint32, error) {
	count := ((length + SectorSize - 1) / SectorSize) * SectorSize
	if count == 0 {
		count = SectorSize
	}
	C.ota_flash_erase(C.uint32_t(offset), C.uint32_t(count))
	return count, nil
}

// Write implements fal.FlashDevice.
func (d *Device) Write(offset uint32, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	C.ota_flash_write(C.uint32_t(offset), (*C.uint8_t)(&data[0]), C.uint32_t(len(data)))
	return len(data), nil
}

// ConfirmPartition confirms the current partition (TBYB). Must be
// called within 16.7s of boot or the bootrom auto-reverts to the
// previous partition. Safe to call even when TBYB is not pending.
func ConfirmPartition() error {
	if C.ota_confirm_partition() != 0 {
		return ErrConfirmFailed
	}
	return nil
}

// RebootToPartition triggers a reboot into the partition starting at
// flashOffset. shutdown, if non-nil, is called first (e.g. to cleanly
// tear down Wi-Fi). Does not return on success.
func RebootToPartition(flashOffset uint32, shutdown func()) {
	if shutdown != nil {
		shutdown()
	}
	C.ota_reboot_to_partition(C.uint32_t(flashOffset))
}

// Reboot performs a normal watchdog-triggered system reboot. shutdown,
// if non-nil, is called first. Does not return on success.
func Reboot(shutdown func()) {
	if shutdown != nil {
		shutdown()
	}
	C.ota_reboot_normal()
}

// GetRebootResult returns the result of the last RebootToPartition
// attempt: 0 on success, negative on a ROM error.
func GetRebootResult() int {
	return int(C.ota_get_reboot_result())
}

// GetCurrentPartition returns the index of the partition the device
// booted from, per RP2350 datasheet 5.4.8.17.
func GetCurrentPartition() int {
	return int(C.ota_get_current_partition())
}
