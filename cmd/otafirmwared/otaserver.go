//go:build tinygo

package main

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"openenterprise/otaforge/config"
	"openenterprise/otaforge/fal"
	"openenterprise/otaforge/ota"
	"openenterprise/otaforge/ota/rp2350"
	"openenterprise/otaforge/scheme"
	"openenterprise/otaforge/telemetry"
	"openenterprise/otaforge/uf2"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	otaBufSize   = 4096 + 64 // matches cmd/uf2ctl's push chunk size + header room
	otaMaxFwSize = 1984 * 1024
)

// Pre-allocated OTA buffers
var (
	otaRxBuf [otaBufSize]byte
	otaTxBuf [512]byte
	otaChunk [otaBufSize]byte
)

// OTA server state (protected by mutex for thread-safety)
var (
	otaMu          sync.Mutex
	otaEnabled     bool
	otaEnabledAt   time.Time
	otaTimeout     time.Duration
	otaStack       *xnet.StackAsync
	otaLogger      *slog.Logger
)

// otaSnapshot is a read-only view of the in-progress session's
// ota.Context, published by handleOTASession for the console's ota
// command to read without holding a reference to the live Context.
type otaSnapshot struct {
	active      bool
	scheme      scheme.Scheme
	written     uint64
	eraseOffset uint32
	eraseLength uint32
	haveErase   bool
}

var (
	otaSnapMu  sync.Mutex
	otaSnapVal otaSnapshot
)

// publishOTASnapshot records the current session's state for OTASnapshot.
func publishOTASnapshot(ctx *ota.Context, sch scheme.Scheme, active bool) {
	otaSnapMu.Lock()
	defer otaSnapMu.Unlock()
	otaSnapVal.active = active
	otaSnapVal.scheme = sch
	if ctx == nil {
		otaSnapVal.written = 0
		otaSnapVal.eraseOffset = 0
		otaSnapVal.eraseLength = 0
		otaSnapVal.haveErase = false
		return
	}
	otaSnapVal.written = ctx.Written()
	otaSnapVal.eraseOffset, otaSnapVal.eraseLength, otaSnapVal.haveErase = ctx.EraseWindow()
}

// OTASnapshot returns the last-published state of the OTA session, for
// the console's ota command. active is false between sessions.
func OTASnapshot() (sch scheme.Scheme, written uint64, eraseOffset, eraseLength uint32, haveErase, active bool) {
	otaSnapMu.Lock()
	defer otaSnapMu.Unlock()
	s := otaSnapVal
	return s.scheme, s.written, s.eraseOffset, s.eraseLength, s.haveErase, s.active
}

// OTAEnable enables the OTA server for the specified duration. A zero
// duration uses config.OTATimeout().
func OTAEnable(timeout time.Duration) {
	otaMu.Lock()
	defer otaMu.Unlock()

	if timeout == 0 {
		timeout = config.OTATimeout()
	}
	otaEnabled = true
	otaEnabledAt = time.Now()
	otaTimeout = timeout

	if otaLogger != nil {
		otaLogger.Info("ota:enabled", slog.String("timeout", timeout.String()))
	}
}

// OTADisable disables the OTA server.
func OTADisable() {
	otaMu.Lock()
	defer otaMu.Unlock()
	otaEnabled = false
	if otaLogger != nil {
		otaLogger.Info("ota:disabled")
	}
}

// OTAIsEnabled reports whether the OTA server currently accepts
// connections, auto-disabling once the armed timeout elapses.
func OTAIsEnabled() bool {
	otaMu.Lock()
	defer otaMu.Unlock()

	if !otaEnabled {
		return false
	}
	if time.Since(otaEnabledAt) > otaTimeout {
		otaEnabled = false
		if otaLogger != nil {
			otaLogger.Info("ota:timeout-expired")
		}
		return false
	}
	return true
}

// OTATimeRemaining returns the time remaining before OTA auto-disables.
func OTATimeRemaining() time.Duration {
	otaMu.Lock()
	defer otaMu.Unlock()
	if !otaEnabled {
		return 0
	}
	remaining := otaTimeout - time.Since(otaEnabledAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// otaServerInit initializes the OTA server (must be called from main).
// The server starts disabled; use OTAEnable() (or the console's
// ota-enable command) to open the listener.
func otaServerInit(stack *xnet.StackAsync, logger *slog.Logger) {
	otaMu.Lock()
	otaStack = stack
	otaLogger = logger
	otaMu.Unlock()

	go otaServerLoop()
}

func otaServerLoop() {
	otaMu.Lock()
	stack := otaStack
	logger := otaLogger
	otaMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("ota:panic-recovered")
		}
	}()

	port := config.OTAPort()

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             otaRxBuf[:],
		TxBuf:             otaTxBuf[:],
		TxPacketQueueSize: 2,
	})
	if err != nil {
		logger.Error("ota:configure-failed", slog.String("err", err.Error()))
		return
	}

	logger.Info("ota:ready", slog.Int("port", int(port)))

	for {
		for !OTAIsEnabled() {
			time.Sleep(500 * time.Millisecond)
		}

		logger.Info("ota:listening", slog.Int("port", int(port)))
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if err := stack.ListenTCP(&conn, port); err != nil {
			logger.Error("ota:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 && OTAIsEnabled() {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}

		if !OTAIsEnabled() {
			conn.Abort()
			logger.Info("ota:disabled-while-waiting")
			continue
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		logger.Info("ota:connected")

		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("ota:session-panic")
				}
			}()
			handleOTASession(&conn, logger)
		}()

		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		logger.Info("ota:disconnected")

		OTADisable() // security: minimize the window an OTA session stays open
	}
}

// handleOTASession drives one streaming OTA Writer session to
// completion: framing the incoming byte stream into UF2 blocks,
// routing each through ota.Context, then verifying the whole-stream
// hash before committing to a reboot.
func handleOTASession(conn *tcp.Conn, logger *slog.Logger) {
	logger.Warn("ota:pausing-background-tasks")
	telemetry.Pause()
	defer func() {
		telemetry.Resume()
		logger.Warn("ota:resuming-background-tasks")
		telemetry.Flush()
	}()

	var readBuf [128]byte

	n, err := readWithTimeout(conn, readBuf[:], 10*time.Second)
	if err != nil || n < 3 || string(readBuf[:3]) != "OTA" {
		logger.Error("ota:bad-init")
		return
	}

	writeOTA(conn, "READY ")
	writeOTAInt(conn, otaMaxFwSize)
	writeOTA(conn, "\n")
	flushOTA(conn)
	time.Sleep(100 * time.Millisecond)

	sch := deviceScheme()
	info := ota.NewInfo()
	ctx := ota.NewContext(sch, deviceFamilyID(), fal.Borrow(defaultPartitions), newDefaultRegistry())
	defer ctx.Close()

	publishOTASnapshot(ctx, sch, true)
	defer publishOTASnapshot(nil, sch, false)

	hasher := sha256.New()
	var blockSeq uint32
	chunkNum := 0

	for {
		feedWatchdogIfHealthy()

		if err := readExactly(conn, readBuf[:4], 30*time.Second); err != nil {
			logger.Error("ota:read-timeout", slog.String("err", err.Error()))
			return
		}

		if string(readBuf[:4]) == "DONE" {
			n2, _ := readWithTimeout(conn, readBuf[4:], 2*time.Second)
			fullCmd := string(readBuf[:4+n2])
			expectedHash := ""
			if len(fullCmd) > 5 {
				expectedHash = trimSpace(fullCmd[5:])
			}

			actualHash := formatHashHex(hasher.Sum(nil))
			logger.Info("ota:verifying", slog.Uint64("written", ctx.Written()))

			if expectedHash != "" && expectedHash != actualHash {
				logger.Error("ota:hash-mismatch")
				writeOTA(conn, "ERROR hash mismatch\n")
				flushOTA(conn)
				return
			}

			writeOTA(conn, "VERIFIED\n")
			flushOTA(conn)
			logger.Info("ota:complete", slog.Uint64("bytes", ctx.Written()))
			time.Sleep(500 * time.Millisecond)

			rebootAfterOTA(ctx, logger)
			return
		}

		chunkLen := binary.LittleEndian.Uint32(readBuf[:4])
		if chunkLen == 0 || chunkLen%uf2.BlockSize != 0 || chunkLen > uint32(len(otaChunk)) {
			logger.Error("ota:bad-chunk-length", slog.Int("size", int(chunkLen)))
			writeOTA(conn, "ERROR bad chunk length\n")
			flushOTA(conn)
			return
		}

		if err := readExactly(conn, otaChunk[:chunkLen], 30*time.Second); err != nil {
			logger.Error("ota:chunk-read-failed", slog.Int("chunk", chunkNum), slog.String("err", err.Error()))
			return
		}
		hasher.Write(otaChunk[:chunkLen])

		numBlocks := int(chunkLen / uf2.BlockSize)
		for i := 0; i < numBlocks; i++ {
			feedWatchdogIfHealthy()

			raw := otaChunk[i*uf2.BlockSize : (i+1)*uf2.BlockSize]
			blk, err := uf2.Decode(raw)
			if err != nil {
				logger.Error("ota:decode-failed", slog.Int("block", int(blockSeq)), slog.String("err", err.Error()))
				writeOTA(conn, "ERROR malformed block\n")
				flushOTA(conn)
				return
			}

			if r := ctx.CheckBlock(&blk); r != ota.ResultOK {
				if r == ota.ResultIgnore {
					blockSeq++
					continue
				}
				logger.Error("ota:block-rejected", slog.Int("block", int(blockSeq)), slog.String("result", r.Error()))
				writeOTA(conn, "ERROR "+r.Error()+"\n")
				flushOTA(conn)
				return
			}

			var r ota.Result
			if blockSeq == 0 {
				r = ctx.ParseHeader(&blk, info)
			} else {
				r = ctx.Write(&blk)
			}
			if r != ota.ResultOK && r != ota.ResultIgnore {
				logger.Error("ota:block-failed", slog.Int("block", int(blockSeq)), slog.String("result", r.Error()))
				writeOTA(conn, "ERROR "+r.Error()+"\n")
				flushOTA(conn)
				return
			}
			blockSeq++
		}

		runtime.Gosched()

		publishOTASnapshot(ctx, sch, true)

		writeOTA(conn, "ACK ")
		writeOTAInt(conn, int(ctx.Written()))
		writeOTA(conn, "\n")
		flushOTA(conn)
		chunkNum++

		time.Sleep(20 * time.Millisecond)
	}
}

// rebootAfterOTA flushes telemetry and reboots into the partition the
// stream resolved to, falling back to a normal reboot if none was set.
func rebootAfterOTA(ctx *ota.Context, logger *slog.Logger) {
	telemetry.Resume()
	telemetry.Flush()
	time.Sleep(3000 * time.Millisecond)

	part, ok := ctx.Partition()
	if !ok {
		logger.Error("ota:no-target-partition")
		rp2350.Reboot(shutdownWiFi)
		return
	}

	logger.Info("ota:rebooting", slog.String("partition", part.Name), slog.Int("offset", int(part.Offset)))
	rp2350.RebootToPartition(part.Offset, shutdownWiFi)

	errCode := rp2350.GetRebootResult()
	logger.Error("ota:reboot-failed", slog.Int("error_code", errCode))
}

func readWithTimeout(conn *tcp.Conn, buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	totalRead := 0
	for time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return totalRead, io.EOF
		}
		n, err := conn.Read(buf[totalRead:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return totalRead, err
		}
		if n > 0 {
			totalRead += n
			return totalRead, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return totalRead, errors.New("timeout")
}

func readExactly(conn *tcp.Conn, buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	totalRead := 0
	needed := len(buf)
	for totalRead < needed && time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return io.EOF
		}
		n, err := conn.Read(buf[totalRead:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return err
		}
		if n > 0 {
			totalRead += n
		} else {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if totalRead < needed {
		return errors.New("timeout")
	}
	return nil
}

func writeOTA(conn *tcp.Conn, s string) { conn.Write([]byte(s)) }

func writeOTAInt(conn *tcp.Conn, n int) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	conn.Write(buf[i:])
}

func flushOTA(conn *tcp.Conn) {
	conn.Flush()
	for i := 0; i < 5; i++ {
		runtime.Gosched()
	}
}

func formatHashHex(hash []byte) string {
	const hexDigits = "0123456789abcdef"
	result := make([]byte, len(hash)*2)
	for i, b := range hash {
		result[i*2] = hexDigits[b>>4]
		result[i*2+1] = hexDigits[b&0xf]
	}
	return string(result)
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}
