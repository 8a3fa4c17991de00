package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// loadEnvFile loads KEY=VALUE pairs from a .env file in the current
// directory into the process environment, without overwriting
// variables already set.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// resolvePassword resolves the console password: flag, then
// OTAFORGE_PASSWORD env var (already seeded from .env), then an
// interactive terminal prompt.
func resolvePassword(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPass := os.Getenv("OTAFORGE_PASSWORD"); envPass != "" {
		return envPass
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err == nil && len(password) > 0 {
			return string(password)
		}
	}
	return ""
}

// stripTelnetIAC removes telnet IAC (Interpret As Command) sequences
// from console output so prompt/response matching isn't confused by
// option negotiation bytes.
func stripTelnetIAC(data []byte) []byte {
	out := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if data[i] == 0xFF && i+1 < len(data) {
			cmd := data[i+1]
			if cmd >= 0xFB && cmd <= 0xFE && i+2 < len(data) {
				i += 3
			} else {
				i += 2
			}
		} else {
			out = append(out, data[i])
			i++
		}
	}
	return out
}
