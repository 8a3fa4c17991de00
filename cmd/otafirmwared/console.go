//go:build tinygo

package main

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"openenterprise/otaforge/config"
	"openenterprise/otaforge/credentials"
	"openenterprise/otaforge/ota/rp2350"
	"openenterprise/otaforge/telemetry"
	"openenterprise/otaforge/version"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const consoleBufSize = 1024

// Pre-allocated console buffers
var (
	consoleRxBuf [consoleBufSize]byte
	consoleTxBuf [consoleBufSize]byte
	consoleBuf   [consoleBufSize]byte
	startTime    time.Time
)

// Authentication state for brute-force protection
var (
	authFailures    int
	lastFailureTime time.Time
)

// Console commands
const (
	cmdHelp           = "help"
	cmdStatus         = "status"
	cmdTime           = "time"
	cmdVersion        = "version"
	cmdNet            = "net"
	cmdOTA            = "ota"
	cmdOTAEnable      = "ota-enable"
	cmdReboot         = "reboot"
	cmdTelemetry      = "telemetry"
	cmdTelemetryFlush = "telemetry-flush"
	cmdNTP            = "ntp"
	cmdNTPSync        = "ntp-sync"
)

// consoleServer runs a TCP debug console on config.ConsolePort().
func consoleServer(stack *xnet.StackAsync, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:panic-recovered")
		}
	}()

	port := config.ConsolePort()

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             consoleRxBuf[:],
		TxBuf:             consoleTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		logger.Error("console:configure-failed", slog.String("err", err.Error()))
		return
	}

	ourAddr := netip.AddrPortFrom(stack.Addr(), port)
	logger.Info("console:listening", slog.String("addr", ourAddr.String()))

	for {
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if checkLockout() {
			lockout := getLockoutDuration()
			logger.Info("console:lockout", slog.Int("failures", authFailures), slog.Duration("remaining", lockout-time.Since(lastFailureTime)))
			time.Sleep(1 * time.Second)
			continue
		}

		if err := stack.ListenTCP(&conn, port); err != nil {
			logger.Error("console:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		logger.Info("console:connected")

		if !authenticateConsole(&conn) {
			logger.Info("console:auth-failed", slog.Int("failures", authFailures))
			conn.Close()
			for i := 0; i < 10 && !conn.State().IsClosed(); i++ {
				time.Sleep(100 * time.Millisecond)
			}
			conn.Abort()
			continue
		}
		logger.Info("console:authenticated")

		writeConsole(&conn, "otaforge device console\r\nType 'help' for commands\r\n> ")
		flushConsole(&conn)

		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("console:session-panic")
				}
			}()
			handleConsoleSession(&conn, stack, logger)
		}()

		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		logger.Info("console:disconnected")
	}
}

func handleConsoleSession(conn *tcp.Conn, stack *xnet.StackAsync, logger *slog.Logger) {
	var cmdLen int
	var readBuf [64]byte
	var skipIAC int

	for {
		if conn.State().IsClosed() || conn.State().IsClosing() || !conn.State().RxDataOpen() {
			return
		}

		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return
		}
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		gotNewline := false
		for i := 0; i < n && cmdLen < len(consoleBuf)-1; i++ {
			b := readBuf[i]

			if skipIAC > 0 {
				skipIAC--
				continue
			}
			if b == 0xFF {
				skipIAC = 2
				continue
			}

			if b == '\n' || b == '\r' {
				if gotNewline {
					continue
				}
				gotNewline = true
				time.Sleep(10 * time.Millisecond)
				if cmdLen > 0 {
					processCommand(conn, stack, consoleBuf[:cmdLen], logger)
				}
				cmdLen = 0
				conn.Write([]byte("> "))
				conn.Flush()
				time.Sleep(50 * time.Millisecond)
			} else if b >= 32 && b < 127 {
				consoleBuf[cmdLen] = b
				cmdLen++
				gotNewline = false
			}
		}

		if cmdLen >= len(consoleBuf)-1 {
			cmdLen = 0
			writeConsole(conn, "\r\nLine too long\r\n> ")
			flushConsole(conn)
		}
	}
}

func processCommand(conn *tcp.Conn, stack *xnet.StackAsync, cmd []byte, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:command-panic")
		}
	}()

	switch {
	case bytesEqual(cmd, []byte(cmdHelp)):
		writeConsole(conn, "Commands: help version status net ota ntp\r\n")
		writeConsole(conn, "  ota-enable [dur], ntp-sync, reboot\r\n")
		writeConsole(conn, "  telemetry, telemetry-flush\r\n")

	case bytesEqual(cmd, []byte(cmdStatus)):
		if systemHealthy {
			writeConsole(conn, "Status: OK\r\n")
		} else {
			writeConsole(conn, "Status: UNHEALTHY (reset pending)\r\n")
		}
		writeConsole(conn, "Boot partition: ")
		writeInt(conn, rp2350.GetCurrentPartition())
		writeConsole(conn, "\r\nFailures: ")
		writeInt(conn, consecutiveFailures)
		writeConsole(conn, "/")
		writeInt(conn, maxConsecutiveFailures)
		writeConsole(conn, "\r\n")

	case bytesEqual(cmd, []byte(cmdTime)):
		now := time.Now()
		writeConsole(conn, "Time: ")
		writeConsole(conn, now.Format("2006-01-02 15:04:05"))
		writeConsole(conn, " UTC\r\n")

	case bytesEqual(cmd, []byte(cmdVersion)):
		writeConsole(conn, "otaforge device agent\r\n  Version: ")
		writeConsole(conn, version.Version)
		writeConsole(conn, "\r\n  Git SHA: ")
		writeConsole(conn, version.GitSHA)
		writeConsole(conn, "\r\n  Built:   ")
		writeConsole(conn, version.BuildDate)
		writeConsole(conn, "\r\n")

	case bytesEqual(cmd, []byte(cmdNet)):
		writeConsole(conn, "Network Status:\r\n  IP Address: ")
		writeConsole(conn, stack.Addr().String())
		writeConsole(conn, "\r\n  Console:    port ")
		writeInt(conn, int(config.ConsolePort()))
		writeConsole(conn, "\r\n  Uptime:     ")
		writeUptime(conn)
		writeConsole(conn, "\r\n")

	case bytesEqual(cmd, []byte(cmdOTA)):
		writeConsole(conn, "OTA Status:\r\n  Server:            ")
		if OTAIsEnabled() {
			writeConsole(conn, "ENABLED (")
			remaining := OTATimeRemaining()
			writeInt(conn, int(remaining.Minutes()))
			writeConsole(conn, "m ")
			writeInt(conn, int(remaining.Seconds())%60)
			writeConsole(conn, "s remaining)\r\n")
		} else {
			writeConsole(conn, "disabled\r\n")
		}
		writeConsole(conn, "  Boot partition:    ")
		writeInt(conn, rp2350.GetCurrentPartition())
		writeConsole(conn, "\r\n  Next OTA target:   ")
		writeConsole(conn, targetPartitionSlot())
		writeConsole(conn, "\r\n  Port:              ")
		writeInt(conn, int(config.OTAPort()))
		writeConsole(conn, "\r\n")

		sch, written, eraseOffset, eraseLength, haveErase, active := OTASnapshot()
		if active {
			writeConsole(conn, "  Session scheme:    ")
			writeConsole(conn, sch.String())
			writeConsole(conn, "\r\n  Bytes written:     ")
			writeInt(conn, int(written))
			writeConsole(conn, "\r\n  Last erase window: ")
			if haveErase {
				writeConsole(conn, "offset 0x")
				writeHex(conn, eraseOffset)
				writeConsole(conn, " length 0x")
				writeHex(conn, eraseLength)
			} else {
				writeConsole(conn, "none yet")
			}
			writeConsole(conn, "\r\n")
		} else {
			writeConsole(conn, "  Session:           no stream in progress\r\n")
		}

	case bytesEqual(cmd, []byte(cmdOTAEnable)) || hasPrefix(cmd, []byte(cmdOTAEnable+" ")):
		timeout := time.Duration(0)
		if len(cmd) > len(cmdOTAEnable)+1 {
			parsed := parseDuration(cmd[len(cmdOTAEnable)+1:])
			if parsed > 0 {
				timeout = parsed
			}
		}
		OTAEnable(timeout)
		writeConsole(conn, "OTA server enabled on port ")
		writeInt(conn, int(config.OTAPort()))
		writeConsole(conn, "\r\n  Timeout: ")
		remaining := OTATimeRemaining()
		writeInt(conn, int(remaining.Minutes()))
		writeConsole(conn, " minutes\r\n  Push updates with: uf2ctl push <host> <file.uf2>\r\n")

	case bytesEqual(cmd, []byte(cmdReboot)):
		writeConsole(conn, "Rebooting device...\r\n")
		conn.Flush()
		time.Sleep(100 * time.Millisecond)
		rp2350.Reboot(shutdownWiFi)

	case bytesEqual(cmd, []byte(cmdTelemetry)):
		enabled, qLogs, qMetrics, qSpans, sLogs, sMetrics, sSpans, errs, collector := telemetry.Status()
		writeConsole(conn, "Telemetry Status:\r\n  Enabled:    ")
		writeBool(conn, enabled)
		writeConsole(conn, "\r\n  Collector:  ")
		writeConsole(conn, collector)
		writeConsole(conn, "\r\n  Queued: logs=")
		writeInt(conn, qLogs)
		writeConsole(conn, " metrics=")
		writeInt(conn, qMetrics)
		writeConsole(conn, " spans=")
		writeInt(conn, qSpans)
		writeConsole(conn, "\r\n  Sent:   logs=")
		writeInt(conn, sLogs)
		writeConsole(conn, " metrics=")
		writeInt(conn, sMetrics)
		writeConsole(conn, " spans=")
		writeInt(conn, sSpans)
		writeConsole(conn, "\r\n  Errors:     ")
		writeInt(conn, errs)
		writeConsole(conn, "\r\n")

	case bytesEqual(cmd, []byte(cmdTelemetryFlush)):
		writeConsole(conn, "Flushing telemetry queues...\r\n")
		telemetry.Flush()
		writeConsole(conn, "Flush complete\r\n")

	case bytesEqual(cmd, []byte(cmdNTP)):
		writeConsole(conn, "NTP Status:\r\n  Server:     ")
		writeConsole(conn, config.NTPServer())
		writeConsole(conn, "\r\n  Last sync:  ")
		if lastNTPSync.IsZero() {
			writeConsole(conn, "never\r\n")
		} else {
			writeConsole(conn, lastNTPSync.Format("15:04:05"))
			writeConsole(conn, "\r\n")
		}
		writeConsole(conn, "  Syncs:      ")
		writeInt(conn, ntpSyncCount)
		writeConsole(conn, "\r\n  Failures:   ")
		writeInt(conn, ntpFailCount)
		writeConsole(conn, "\r\n")

	case bytesEqual(cmd, []byte(cmdNTPSync)):
		writeConsole(conn, "Triggering NTP sync...\r\n")
		conn.Flush()
		offset, err := syncNTP(stack, dnsServers, logger)
		if err != nil {
			writeConsole(conn, "NTP sync failed: ")
			writeConsole(conn, err.Error())
			writeConsole(conn, "\r\n")
		} else {
			writeConsole(conn, "NTP sync complete, offset ")
			writeInt(conn, int(offset.Milliseconds()))
			writeConsole(conn, "ms\r\n")
		}

	default:
		writeConsole(conn, "Unknown command: ")
		conn.Write(cmd)
		writeConsole(conn, "\r\nType 'help' for commands\r\n")
	}
	conn.Flush()
	time.Sleep(50 * time.Millisecond)
}

func writeConsole(conn *tcp.Conn, s string) { conn.Write([]byte(s)) }
func flushConsole(conn *tcp.Conn)           { conn.Flush() }

func writeInt(conn *tcp.Conn, n int) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [11]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	conn.Write(buf[i:])
}

func writeHex(conn *tcp.Conn, v uint32) {
	const hexDigits = "0123456789abcdef"
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	conn.Write(buf[:])
}

func writeBool(conn *tcp.Conn, b bool) {
	if b {
		conn.Write([]byte("yes"))
	} else {
		conn.Write([]byte("no"))
	}
}

func writeUptime(conn *tcp.Conn) {
	if startTime.IsZero() {
		conn.Write([]byte("unknown"))
		return
	}
	d := time.Since(startTime)
	writeInt(conn, int(d.Hours()))
	conn.Write([]byte("h "))
	writeInt(conn, int(d.Minutes())%60)
	conn.Write([]byte("m "))
	writeInt(conn, int(d.Seconds())%60)
	conn.Write([]byte("s"))
}

func initConsole() {
	startTime = time.Now()
}

func getLockoutDuration() time.Duration {
	switch {
	case authFailures >= 10:
		return 5 * time.Minute
	case authFailures >= 5:
		return 30 * time.Second
	case authFailures >= 3:
		return 5 * time.Second
	default:
		return 0
	}
}

func checkLockout() bool {
	lockout := getLockoutDuration()
	if lockout == 0 {
		return false
	}
	return time.Since(lastFailureTime) < lockout
}

func recordFailure() {
	authFailures++
	lastFailureTime = time.Now()
}

func resetFailures() {
	authFailures = 0
}

var (
	telnetWillEcho = []byte{0xFF, 0xFB, 0x01}
	telnetWontEcho = []byte{0xFF, 0xFC, 0x01}
)

// authenticateConsole prompts for the console password and verifies it
// in constant time. Returns true if authenticated.
func authenticateConsole(conn *tcp.Conn) bool {
	conn.Write(telnetWillEcho)
	writeConsole(conn, "Password: ")
	flushConsole(conn)

	var passBuf [64]byte
	var readBuf [64]byte
	var passLen int
	var skipIAC int
	deadline := time.Now().Add(10 * time.Second)

	restoreEcho := func() {
		conn.Write(telnetWontEcho)
		writeConsole(conn, "\r\n")
		flushConsole(conn)
	}

	for time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() || !conn.State().RxDataOpen() {
			restoreEcho()
			return false
		}

		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			restoreEcho()
			return false
		}
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		for i := 0; i < n && passLen < len(passBuf)-1; i++ {
			b := readBuf[i]
			if skipIAC > 0 {
				skipIAC--
				continue
			}
			if b == 0xFF {
				skipIAC = 2
				continue
			}
			if b == '\n' || b == '\r' {
				restoreEcho()
				password := passBuf[:passLen]
				expected := []byte(credentials.ConsolePassword())
				if subtle.ConstantTimeCompare(password, expected) == 1 {
					resetFailures()
					return true
				}
				recordFailure()
				return false
			} else if b >= 32 && b < 127 {
				passBuf[passLen] = b
				passLen++
			}
		}

		if passLen >= len(passBuf)-1 {
			restoreEcho()
			recordFailure()
			return false
		}
	}

	restoreEcho()
	recordFailure()
	return false
}

func hasPrefix(cmd, prefix []byte) bool {
	if len(cmd) < len(prefix) {
		return false
	}
	for i := range prefix {
		if cmd[i] != prefix[i] {
			return false
		}
	}
	return true
}

// parseDuration parses simple duration strings like "30s", "5m", "1h", or "0"
func parseDuration(s []byte) time.Duration {
	if len(s) == 0 {
		return 0
	}
	var num int
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		num = num*10 + int(s[i]-'0')
		i++
	}
	if i >= len(s) {
		return time.Duration(num) * time.Second
	}
	switch s[i] {
	case 's', 'S':
		return time.Duration(num) * time.Second
	case 'm', 'M':
		return time.Duration(num) * time.Minute
	case 'h', 'H':
		return time.Duration(num) * time.Hour
	default:
		return time.Duration(num) * time.Second
	}
}
