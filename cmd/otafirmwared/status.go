//go:build tinygo

package main

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"openenterprise/otaforge/config"
	"openenterprise/otaforge/ota/rp2350"
	"openenterprise/otaforge/version"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	mqttTimeout = 10 * time.Second
	mqttRetries = 3
	tcpBufSize  = 2030 // MTU - ethhdr - iphdr - tcphdr
	mqttBufSize = 512
)

var topicStatus = []byte(config.DefaultStatusTopicRoot)

// Pre-allocated buffers for memory efficiency
var (
	statusTCPRxBuf [tcpBufSize]byte
	statusTCPTxBuf [tcpBufSize]byte
	mqttUserBuf    [mqttBufSize]byte
)

var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// publishStatus connects to the configured broker, publishes a single
// retained-free status payload (version, boot partition, OTA armed
// state), and disconnects. Failures are non-fatal to the device's
// main loop; they only affect the watchdog's health accounting.
func publishStatus(stack *xnet.StackAsync, brokerAddr netip.AddrPort, logger *slog.Logger) error {
	rstack := stack.StackRetrying(5 * time.Millisecond)

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             statusTCPRxBuf[:],
		TxBuf:             statusTCPTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return err
	}

	cfg := mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: mqttUserBuf[:]},
	}

	var varconn mqtt.VariablesConnect
	clientID := make([]byte, 0, 32)
	clientID = append(clientID, config.ClientID()...)
	clientID = append(clientID, '-')
	clientID = appendHex(clientID, uint16(stack.Prand32()))
	varconn.SetDefaultMQTT(clientID)
	client := mqtt.NewClient(cfg)

	lport := uint16(stack.Prand32()>>17) + 1024
	logger.Info("status:dialing", slog.String("broker", brokerAddr.String()), slog.String("clientid", string(clientID)))

	if err := rstack.DoDialTCP(&conn, lport, brokerAddr, mqttTimeout, mqttRetries); err != nil {
		logger.Error("status:dial-failed", slog.String("err", err.Error()))
		closeConn(&conn, stack, brokerAddr)
		return err
	}

	conn.SetDeadline(time.Now().Add(mqttTimeout))
	if err := client.StartConnect(&conn, &varconn); err != nil {
		logger.Error("status:start-connect-failed", slog.String("err", err.Error()))
		closeConn(&conn, stack, brokerAddr)
		return err
	}

	retries := 50
	for retries > 0 && !client.IsConnected() {
		time.Sleep(100 * time.Millisecond)
		if err := client.HandleNext(); err != nil {
			logger.Warn("status:handle-next", slog.String("err", err.Error()))
		}
		retries--
	}
	if !client.IsConnected() {
		logger.Error("status:connect-timeout")
		closeConn(&conn, stack, brokerAddr)
		return errors.New("mqtt connect timeout")
	}

	payload := statusPayload()
	conn.SetDeadline(time.Now().Add(mqttTimeout))
	pubVar := mqtt.VariablesPublish{
		TopicName:        topicStatus,
		PacketIdentifier: uint16(stack.Prand32()),
	}
	if err := client.PublishPayload(pubFlags, pubVar, payload); err != nil {
		logger.Error("status:publish-failed", slog.String("err", err.Error()))
		closeConn(&conn, stack, brokerAddr)
		return err
	}
	logger.Info("status:published", slog.String("topic", string(topicStatus)), slog.Int("bytes", len(payload)))

	client.Disconnect(errors.New("status session complete"))
	closeConn(&conn, stack, brokerAddr)
	return nil
}

// statusPayload builds a compact JSON status line without allocating
// through encoding/json (unavailable in the zero-alloc telemetry path).
func statusPayload() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, `{"version":"`...)
	buf = append(buf, version.Version...)
	buf = append(buf, `","sha":"`...)
	buf = append(buf, version.GitSHA...)
	buf = append(buf, `","partition":`...)
	buf = appendInt(buf, rp2350.GetCurrentPartition())
	buf = append(buf, `,"ota_enabled":`...)
	if OTAIsEnabled() {
		buf = append(buf, "true"...)
	} else {
		buf = append(buf, "false"...)
	}
	buf = append(buf, '}')
	return buf
}

func appendInt(b []byte, n int) []byte {
	if n == 0 {
		return append(b, '0')
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var tmp [11]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		b = append(b, '-')
	}
	return append(b, tmp[i:]...)
}

// closeConn closes the TCP connection and waits for it to close.
func closeConn(conn *tcp.Conn, stack *xnet.StackAsync, addr netip.AddrPort) {
	conn.Close()
	for i := 0; i < 50 && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()
	stack.DiscardResolveHardwareAddress6(addr.Addr())
}

// bytesEqual compares two byte slices without allocation.
func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// appendHex appends a uint16 as 4 hex characters to the byte slice.
func appendHex(b []byte, v uint16) []byte {
	const hexDigits = "0123456789abcdef"
	return append(b,
		hexDigits[(v>>12)&0xf],
		hexDigits[(v>>8)&0xf],
		hexDigits[(v>>4)&0xf],
		hexDigits[v&0xf],
	)
}
