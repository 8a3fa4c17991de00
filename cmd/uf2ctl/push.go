package main

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	defaultConsolePort = "23"
	defaultOTAPort     = "4242"
	defaultTimeout     = 10 * time.Second
	readTimeout        = 5 * time.Second
	otaChunkSize       = 4096 // 8 UF2 blocks per chunk
)

func newPushCommand() *cobra.Command {
	var (
		consolePort string
		otaPort     string
		password    string
	)

	cmd := &cobra.Command{
		Use:   "push <host> <firmware.uf2>",
		Short: "Push an OTA stream to a running device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			loadEnvFile()
			host, path := args[0], args[1]
			pass := resolvePassword(password)
			return otaPush(host, consolePort, otaPort, path, pass)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&consolePort, "console-port", defaultConsolePort, "device console port")
	flags.StringVar(&otaPort, "ota-port", defaultOTAPort, "device OTA listener port")
	flags.StringVar(&password, "password", "", "console password (or OTAFORGE_PASSWORD)")
	return cmd
}

func otaPush(host, consolePort, otaPort, path, password string) error {
	stream, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read firmware: %w", err)
	}
	hash := sha256.Sum256(stream)
	fmt.Printf("Stream: %s (%d bytes)\nSHA256: %x\n\n", path, len(stream), hash[:8])

	if err := enableOTA(host, consolePort, password); err != nil {
		if strings.Contains(err.Error(), "old firmware") {
			fmt.Println("Note: device has old firmware, OTA port may be always open")
		} else {
			return fmt.Errorf("enable OTA: %w", err)
		}
	} else {
		time.Sleep(500 * time.Millisecond)
	}

	addr := net.JoinHostPort(host, otaPort)
	fmt.Printf("Connecting to %s...\n", addr)
	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect to OTA port: %w", err)
	}
	defer conn.Close()

	conn.Write([]byte("OTA\n"))
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	resp := make([]byte, 256)
	n, err := conn.Read(resp)
	if err != nil {
		return fmt.Errorf("no response from device: %w", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(string(resp[:n])), "READY") {
		return fmt.Errorf("unexpected response: %s", resp[:n])
	}
	fmt.Println("device ready")

	total := (len(stream) + otaChunkSize - 1) / otaChunkSize
	for i, sent := 0, 0; sent < len(stream); i++ {
		end := sent + otaChunkSize
		if end > len(stream) {
			end = len(stream)
		}
		chunk := stream[sent:end]

		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(chunk)))
		conn.Write(lenBuf)
		conn.Write(chunk)

		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		n, err := conn.Read(resp)
		if err != nil {
			return fmt.Errorf("chunk %d: no ACK: %w", i+1, err)
		}
		if !strings.HasPrefix(strings.TrimSpace(string(resp[:n])), "ACK") {
			return fmt.Errorf("chunk %d: bad response: %s", i+1, resp[:n])
		}
		sent = end
		fmt.Printf("\r[%3d%%] chunk %d/%d", sent*100/len(stream), i+1, total)
	}
	fmt.Println()

	hashHex := fmt.Sprintf("%x", hash)
	conn.Write([]byte(fmt.Sprintf("DONE %s\n", hashHex)))
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	n, err = conn.Read(resp)
	if err != nil {
		return fmt.Errorf("verification: %w", err)
	}
	if result := strings.TrimSpace(string(resp[:n])); result != "VERIFIED" {
		return fmt.Errorf("verification failed: %s", result)
	}
	fmt.Println("firmware verified, device will reboot")
	return nil
}

func enableOTA(host, consolePort, password string) error {
	addr := net.JoinHostPort(host, consolePort)
	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect to console: %w", err)
	}
	defer conn.Close()

	if err := authenticate(conn, password); err != nil {
		return err
	}
	consumeUntilPrompt(conn)

	conn.Write([]byte("ota-enable\r\n"))
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	resp := make([]byte, 1024)
	n, err := conn.Read(resp)
	if err != nil {
		return fmt.Errorf("no response: %w", err)
	}
	output := strings.TrimSpace(strings.TrimSuffix(string(resp[:n]), "> "))
	if strings.Contains(output, "Unknown command") {
		return fmt.Errorf("device has old firmware without ota-enable support")
	}
	if !strings.Contains(strings.ToLower(output), "enabled") {
		return fmt.Errorf("unexpected response: %s", output)
	}
	return nil
}

func authenticate(conn net.Conn, password string) error {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	prompt := make([]byte, 64)
	n, err := conn.Read(prompt)
	if err != nil {
		return fmt.Errorf("read prompt: %w", err)
	}
	promptStr := string(stripTelnetIAC(prompt[:n]))
	if !strings.Contains(strings.ToLower(promptStr), "password") {
		return fmt.Errorf("unexpected prompt: %s", promptStr)
	}
	if _, err := conn.Write([]byte(password + "\r\n")); err != nil {
		return fmt.Errorf("send password: %w", err)
	}
	return nil
}

func consumeUntilPrompt(conn net.Conn) {
	buf := make([]byte, 256)
	accumulated := ""
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			accumulated += string(stripTelnetIAC(buf[:n]))
			if strings.Contains(accumulated, "> ") {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
