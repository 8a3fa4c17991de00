//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"log/slog"
	"machine"
	"net/netip"
	"runtime"
	"time"

	"openenterprise/otaforge/config"
	"openenterprise/otaforge/credentials"
	"openenterprise/otaforge/ota/rp2350"
	"openenterprise/otaforge/telemetry"
	"openenterprise/otaforge/version"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
	"github.com/soypat/lneto/x/xnet"
)

// Global WiFi stack reference for shutdown
var globalCyStack *cywnet.Stack

const pollTime = 5 * time.Millisecond

var requestedIP = [4]byte{192, 168, 1, 99}

// Functional watchdog state
var (
	lastStatusPublish time.Time
	consecutiveFailures int
	systemHealthy       = true // When false, stop feeding watchdog to trigger reset
)

const statusPublishInterval = 1 * time.Hour

const maxConsecutiveFailures = 3

// NTP tracking
var (
	lastNTPSync   time.Time
	ntpSyncCount  int
	ntpFailCount  int
	ntpTimeOffset time.Duration
	dnsServers    []netip.Addr
)

// fatalError handles unrecoverable errors by waiting for watchdog reset
// with a software reset fallback. This ensures the device always recovers.
func fatalError(msg string) {
	println(msg)
	systemHealthy = false
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	println("Watchdog timeout - forcing software reset...")
	rp2350.Reboot(shutdownWiFi)
	for {
		time.Sleep(time.Second)
	}
}

func shutdownWiFi() {
	if globalCyStack == nil {
		return
	}
	time.Sleep(100 * time.Millisecond) // allow pending packets to drain
}

func main() {
	// CRITICAL: Confirm OTA partition IMMEDIATELY to prevent TBYB auto-revert.
	// Must be called within 16.7s of boot. Do this before ANY delays!
	confirmErr := rp2350.ConfirmPartition()

	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	println("========================================")
	println("  otaforge device agent")
	println("  Version:", version.Version)
	println("  Git SHA:", version.GitSHA)
	println("  Built:  ", version.BuildDate)
	println("========================================")

	bootPartition := rp2350.GetCurrentPartition()
	println("OTA: booted from partition", bootPartition)

	if confirmErr != nil {
		println("OTA: partition confirm returned:", confirmErr.Error())
	} else {
		println("OTA: partition confirmed")
	}

	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Suppress network stack noise (cywnet logs "packet dropped" at ERROR
	// level during normal WiFi operation)
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12), // above ERROR(8)
	}))

	initConsole()

	machine.Watchdog.Configure(machine.WatchdogConfig{
		TimeoutMillis: 8000,
	})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	shortSHA := version.GitSHA
	if len(shortSHA) > 7 {
		shortSHA = shortSHA[:7]
	}
	logger.Info("init:complete",
		slog.String("version", version.Version),
		slog.String("sha", shortSHA),
		slog.Int("partition", bootPartition),
	)

	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    "otafirmwared",
			MaxTCPPorts: 3, // status + debug console + OTA
		},
	)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError("WiFi setup failed - waiting for reset...")
	}
	globalCyStack = cystack

	go loopForeverStack(cystack)

	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{
		RequestedAddr: netip.AddrFrom4(requestedIP),
	})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		fatalError("DHCP failed - waiting for reset...")
	}
	logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))
	dnsServers = dhcpResults.DNSServers

	stack := cystack.LnetoStack()

	logger.Info("ntp:init", slog.String("server", config.NTPServer()))
	if _, err := syncNTP(stack, dnsServers, logger); err != nil {
		logger.Warn("ntp:init-failed", slog.String("err", err.Error()))
	}

	collectorAddr, err := config.TelemetryCollectorAddr()
	if err != nil {
		logger.Warn("telemetry:config-invalid", slog.String("err", err.Error()))
	} else if err := telemetry.Init(stack, logger, collectorAddr); err != nil {
		logger.Warn("telemetry:init-failed", slog.String("err", err.Error()))
	}

	go consoleServer(stack, logger)
	otaServerInit(stack, logger)

	lastStatusPublish = time.Time{}

	for {
		feedWatchdogIfHealthy()

		telemetry.GenerateTraceID(stack)
		cycleSpanIdx := telemetry.StartServerSpan(stack, "status-cycle")

		if time.Since(lastStatusPublish) >= statusPublishInterval {
			spanIdx := telemetry.StartSpan(stack, "status-publish")
			brokerAddr, err := config.BrokerAddr()
			if err != nil {
				logger.Warn("status:broker-invalid", slog.String("err", err.Error()))
				telemetry.EndSpan(spanIdx, false)
			} else if err := publishStatus(stack, brokerAddr, logger); err != nil {
				logger.Error("status:publish-failed", slog.String("err", err.Error()))
				telemetry.EndSpan(spanIdx, false)
				consecutiveFailures++
				checkSystemHealth(logger)
			} else {
				telemetry.EndSpan(spanIdx, true)
				consecutiveFailures = 0
				lastStatusPublish = time.Now()
			}
		}

		telemetry.EndSpan(cycleSpanIdx, true)

		sleepWithWatchdog(5 * time.Minute)
	}
}

// feedWatchdogIfHealthy only feeds the watchdog if the system is healthy.
func feedWatchdogIfHealthy() {
	if systemHealthy {
		machine.Watchdog.Update()
	}
}

// checkSystemHealth marks the system unhealthy after too many
// consecutive status-publish failures, letting the watchdog reset it.
func checkSystemHealth(logger *slog.Logger) {
	if consecutiveFailures >= maxConsecutiveFailures {
		logger.Error("watchdog:unhealthy",
			slog.String("reason", "max consecutive failures"),
			slog.Int("failures", consecutiveFailures),
		)
		systemHealthy = false
	}
}

// loopForeverStack processes network packets in the background
func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		count++
		if count >= 100 {
			feedWatchdogIfHealthy()
			count = 0
		}
	}
}

var ntpFallbackServers = []string{
	"time.cloudflare.com",
	"time.google.com",
	"pool.ntp.org",
}

// syncNTP performs NTP time synchronization, trying the configured
// server first and falling back through ntpFallbackServers.
func syncNTP(stack *xnet.StackAsync, dnsServers []netip.Addr, logger *slog.Logger) (time.Duration, error) {
	servers := []string{config.NTPServer()}
	for _, fallback := range ntpFallbackServers {
		if fallback != servers[0] {
			servers = append(servers, fallback)
		}
	}

	rstack := stack.StackRetrying(pollTime)
	var lastErr error
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for _, ntpHost := range servers {
		logger.Info("ntp:trying", slog.String("server", ntpHost))
		feedWatchdogIfHealthy()
		time.Sleep(100 * time.Millisecond)

		addrs, err := rstack.DoLookupIP(ntpHost, 5*time.Second, 2)
		if err != nil {
			logger.Warn("ntp:dns-failed", slog.String("server", ntpHost), slog.String("err", err.Error()))
			lastErr = err
			sleepWithWatchdog(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		for i, addr := range addrs {
			feedWatchdogIfHealthy()
			time.Sleep(200 * time.Millisecond)

			offset, err := rstack.DoNTP(addr, 5*time.Second, 3)
			if err != nil {
				logger.Warn("ntp:addr-failed", slog.String("addr", addr.String()), slog.Int("attempt", i+1), slog.String("err", err.Error()))
				lastErr = err
				sleepWithWatchdog(backoff)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			runtime.AdjustTimeOffset(int64(offset))
			ntpTimeOffset = offset
			lastNTPSync = time.Now()
			ntpSyncCount++
			logger.Info("ntp:synced", slog.String("server", ntpHost), slog.Duration("offset", offset))
			return offset, nil
		}
	}

	ntpFailCount++
	logger.Error("ntp:all-failed", slog.Int("servers_tried", len(servers)))
	return 0, lastErr
}

// sleepWithWatchdog sleeps for the given duration while keeping the watchdog fed
func sleepWithWatchdog(d time.Duration) {
	for d > 0 {
		chunk := 2 * time.Second
		if d < chunk {
			chunk = d
		}
		time.Sleep(chunk)
		feedWatchdogIfHealthy()
		d -= chunk
	}
}
