//go:build tinygo

package main

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

// Pre-allocated console buffers
var (
	consoleRxBuf [1024]byte
	consoleTxBuf [1024]byte
)

// Telnet protocol bytes for echo control
var (
	telnetWillEcho = []byte{0xFF, 0xFB, 0x01} // IAC WILL ECHO - server handles echo (client stops)
	telnetWontEcho = []byte{0xFF, 0xFC, 0x01} // IAC WONT ECHO - server stops echo (client resumes)
)

// consoleServer runs the telnet debug console on port 23, one session at
// a time.
func consoleServer(stack *xnet.StackAsync, sh *shell, guard *authGuard, logger *slog.Logger) {
	// Recover from any panics to keep the rest of the firmware running
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:panic-recovered")
		}
	}()
	if guard.password == "" {
		logger.Warn("console:disabled", slog.String("reason", "no console password"))
		return
	}

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
	logger.Info("console:listening", slog.String("addr", stack.Addr().String()), slog.Int("port", int(consolePort)))

	for {
		// Always abort any previous state before listening
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if guard.locked(time.Now()) {
			time.Sleep(time.Second)
			continue
		}

		if err := stack.ListenTCP(&conn, consolePort); err != nil {
			logger.Error("console:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		// Wait up to a minute for a client
		for i := 0; conn.State().IsPreestablished() && i < 6000; i++ {
			time.Sleep(10 * time.Millisecond)
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}
		logger.Info("console:connected")

		if !authenticate(&conn, guard) {
			logger.Info("console:auth-failed", slog.Int("failures", guard.failures))
			closeConsole(&conn, 10)
			continue
		}
		logger.Info("console:authenticated")

		writeConsole(&conn, "Openenterprise Dimmer Debug Console\r\nType 'help' for commands\r\n> ")
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("console:session-panic")
				}
			}()
			session(&conn, sh)
		}()

		closeConsole(&conn, 30)
		logger.Info("console:disconnected")
	}
}

// session feeds console input to the shell until the peer goes away.
func session(conn *tcp.Conn, sh *shell) {
	var ed lineEditor
	var readBuf [64]byte
	for {
		if !connOpen(conn) {
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
		overflow := ed.feed(readBuf[:n], func(line []byte) {
			// Allow TCP stack time to process pending packets
			time.Sleep(10 * time.Millisecond)
			sh.exec(conn, string(line))
			conn.Write([]byte("> "))
			conn.Flush()
			time.Sleep(50 * time.Millisecond)
		})
		if overflow {
			writeConsole(conn, "\r\nLine too long\r\n")
		}
	}
}

// authenticate prompts for the console password with client echo off.
func authenticate(conn *tcp.Conn, guard *authGuard) bool {
	conn.Write(telnetWillEcho)
	writeConsole(conn, "Password: ")
	defer func() {
		conn.Write(telnetWontEcho)
		writeConsole(conn, "\r\n")
	}()

	var ed lineEditor
	var readBuf [64]byte
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !connOpen(conn) {
			break
		}
		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			break
		}
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		var attempt []byte
		done := false
		ed.feed(readBuf[:n], func(line []byte) {
			if !done {
				attempt, done = line, true
			}
		})
		if done {
			return guard.check(attempt, time.Now())
		}
	}
	guard.fail(time.Now())
	return false
}

// connOpen detects CLOSE_WAIT from a client disconnect via RxDataOpen.
func connOpen(conn *tcp.Conn) bool {
	st := conn.State()
	return !st.IsClosed() && !st.IsClosing() && st.RxDataOpen()
}

// closeConsole closes gracefully, waiting up to n*100ms, then aborts.
func closeConsole(conn *tcp.Conn, n int) {
	conn.Close()
	for i := 0; i < n && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()
}

func writeConsole(conn *tcp.Conn, s string) {
	conn.Write([]byte(s))
	conn.Flush()
}
