package adapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/shini4i/knockgate/internal/config"
	"github.com/shini4i/knockgate/internal/connection"
	"github.com/shini4i/knockgate/internal/fileutil"
	"github.com/shini4i/knockgate/internal/secret"
)

// Fwknop is a SpaAdapter backed by the fwknop client.
type Fwknop struct {
	binary   config.Binary
	executor ProcessExecutor
	// tempDir holds the key files for the duration of one Send.
	tempDir string
}

// NewFwknop creates a Fwknop adapter.
func NewFwknop(binary config.Binary, executor ProcessExecutor) *Fwknop {
	if executor == nil {
		executor = NewRealExecutor()
	}
	return &Fwknop{binary: binary, executor: executor}
}

// Send writes the knock and HMAC keys to shredded 0600 files, runs the
// client and waits for it to exit.
func (f *Fwknop) Send(ctx context.Context, cfg *connection.Config) error {
	path, err := ResolveBinary(f.binary)
	if err != nil {
		return Classify("knock", err)
	}

	keyFile, cleanupKey, err := writeKeyFile(f.tempDir, "knock-key-*", cfg.Host, cfg.KnockKey)
	if err != nil {
		return Classify("knock", err)
	}
	defer cleanupKey()
	hmacFile, cleanupHMAC, err := writeKeyFile(f.tempDir, "knock-hmac-*", cfg.Host, cfg.HMACKey)
	if err != nil {
		return Classify("knock", err)
	}
	defer cleanupHMAC()

	args := []string{
		"-A", accessSpec(cfg),
		"-D", cfg.Host,
		"--server-port", strconv.Itoa(cfg.Port),
		"--use-hmac",
		"--get-key", keyFile,
		"--get-hmac-key", hmacFile,
		"-s",
		"--no-save-args",
	}

	slog.Info("Sending port knock", "host", cfg.Host, "port", cfg.Port)
	if err := runOnce(ctx, f.executor, ToolKnock, path, args); err != nil {
		return Classify("knock", err)
	}
	slog.Info("Port knock sent", "host", cfg.Host)
	return nil
}

// writeKeyFile writes "host: key" in the format the client's --get-key
// options expect.
func writeKeyFile(dir, pattern, host string, key *secret.String) (string, func(), error) {
	var path string
	var cleanup func()
	err := key.Use(func(b []byte) error {
		line := make([]byte, 0, len(host)+len(b)+3)
		line = append(line, host...)
		line = append(line, ": "...)
		line = append(line, b...)
		line = append(line, '\n')
		defer secret.Zero(line)

		var err error
		path, cleanup, err = fileutil.WriteTempSecret(dir, pattern, line)
		return err
	})
	return path, cleanup, err
}

// accessSpec is the proto/port the gateway should open. With a tunnel it is
// the TLS endpoint; otherwise the VPN config's remote.
func accessSpec(cfg *connection.Config) string {
	if cfg.Tunnel.Enabled {
		if _, port, err := net.SplitHostPort(cfg.Tunnel.ConnectAddr); err == nil {
			return "tcp/" + port
		}
	}
	proto, port := "udp", "1194"
	scanner := bufio.NewScanner(strings.NewReader(cfg.VPNConfig))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch strings.ToLower(fields[0]) {
		case "proto":
			proto = strings.TrimSuffix(strings.TrimSuffix(strings.ToLower(fields[1]), "-client"), "4")
		case "remote":
			if len(fields) >= 3 {
				port = fields[2]
			}
			if len(fields) >= 4 {
				proto = strings.ToLower(fields[3])
			}
		}
	}
	if strings.HasPrefix(proto, "tcp") {
		proto = "tcp"
	} else {
		proto = "udp"
	}
	return proto + "/" + port
}

// runOnce runs a short-lived tool to completion. The tool succeeds when it
// exits cleanly; a parsed failure line explains a non-zero exit.
func runOnce(ctx context.Context, executor ProcessExecutor, tool Tool, name string, args []string) error {
	proc, err := executor.CreateProcess(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("failed to create %s process: %w", tool, err)
	}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", tool, err)
	}
	if stdin := proc.Stdin(); stdin != nil {
		_ = stdin.Close()
	}

	var mu sync.Mutex
	var failure error
	var readers sync.WaitGroup
	for _, r := range []io.Reader{proc.Stdout(), proc.Stderr()} {
		if r == nil {
			continue
		}
		readers.Add(1)
		go func() {
			defer readers.Done()
			scanner := bufio.NewScanner(r)
			for scanner.Scan() {
				line := scanner.Text()
				slog.Debug("Tool output", "tool", tool, "line", line)
				if ev := ParseLine(tool, line); ev != nil && ev.IsFailure() {
					mu.Lock()
					if failure == nil || ev.Type != EventError {
						failure = fmt.Errorf("%s: %w", ev.Message, ev.Err())
					}
					mu.Unlock()
				}
			}
		}()
	}

	exited := make(chan error, 1)
	go func() {
		readers.Wait()
		exited <- proc.Wait()
	}()

	select {
	case waitErr := <-exited:
		mu.Lock()
		defer mu.Unlock()
		if waitErr == nil {
			return nil
		}
		if failure != nil {
			return failure
		}
		return fmt.Errorf("%w: %v", ErrExited, waitErr)
	case <-ctx.Done():
		if err := proc.ForceKill(); err != nil {
			slog.Warn("Failed to kill tool process", "tool", tool, "error", err)
		}
		return fmt.Errorf("%s timed out: %w", tool, ctx.Err())
	}
}
