package main

import (
	"crypto/subtle"
	"io"
	"strconv"
	"strings"
	"time"

	"openenterprise/dimmer/app"
	"openenterprise/dimmer/telemetry"
	"openenterprise/dimmer/version"
)

const (
	consolePort    = uint16(23) // Telnet port
	consoleBufSize = 256
)

// Console commands
const (
	cmdHelp           = "help"
	cmdVersion        = "version"
	cmdStatus         = "status"
	cmdNet            = "net"
	cmdLight          = "light"
	cmdMode           = "mode"
	cmdOTA            = "ota"
	cmdOTAStart       = "ota-start"
	cmdTelemetry      = "telemetry"
	cmdTelemetryFlush = "telemetry-flush"
	cmdTelemetryPause = "telemetry-pause"
	cmdTelemetryGo    = "telemetry-resume"
	cmdReboot         = "reboot"
)

// lineEditor assembles console lines from raw telnet bytes. Telnet IAC
// sequences are dropped, as are non-printable bytes.
type lineEditor struct {
	buf     [consoleBufSize]byte
	n       int
	skipIAC int // bytes left in an IAC sequence
	gotNL   bool
	drop    bool // rest of an overflowed line
}

// feed consumes b and calls fn for every completed line, including empty
// ones. A CR LF pair ends a single line. It returns true if a line
// overflowed; the rest of that line is discarded and fn sees it as empty.
func (e *lineEditor) feed(b []byte, fn func(line []byte)) (overflow bool) {
	for _, c := range b {
		if e.skipIAC > 0 {
			e.skipIAC--
			continue
		}
		switch {
		case c == 0xFF:
			// IAC plus command and option byte.
			e.skipIAC = 2
		case c == '\r' || c == '\n':
			if e.gotNL {
				continue
			}
			e.gotNL = true
			line := e.buf[:e.n]
			if e.drop {
				line = line[:0]
				e.drop = false
			}
			e.n = 0
			fn(line)
		case c >= 32 && c < 127:
			e.gotNL = false
			if e.drop {
				continue
			}
			if e.n >= len(e.buf)-1 {
				e.n = 0
				e.drop = true
				overflow = true
				continue
			}
			e.buf[e.n] = c
			e.n++
		}
	}
	return overflow
}

// authGuard checks console passwords and locks out brute-force attempts.
type authGuard struct {
	password    string
	failures    int
	lastFailure time.Time
}

// lockout returns the lockout duration for the current failure count.
func (g *authGuard) lockout() time.Duration {
	switch {
	case g.failures >= 10:
		return 5 * time.Minute
	case g.failures >= 5:
		return 30 * time.Second
	case g.failures >= 3:
		return 5 * time.Second
	default:
		return 0
	}
}

// locked reports whether new sessions must be refused at now.
func (g *authGuard) locked(now time.Time) bool {
	d := g.lockout()
	return d > 0 && now.Sub(g.lastFailure) < d
}

// check compares attempt in constant time. An empty configured password
// rejects everything.
func (g *authGuard) check(attempt []byte, now time.Time) bool {
	if g.password != "" && subtle.ConstantTimeCompare(attempt, []byte(g.password)) == 1 {
		g.failures = 0
		return true
	}
	g.fail(now)
	return false
}

// fail records a failed or abandoned login.
func (g *authGuard) fail(now time.Time) {
	g.failures++
	g.lastFailure = now
}

// shell executes console commands against the running application.
type shell struct {
	app     *app.App
	logs    *telemetry.LogRing
	health  *health
	addr    func() string
	reboot  func()
	started time.Time
}

// printer writes console output. Write errors are ignored; a dead session
// is noticed by the read loop.
type printer struct {
	w   io.Writer
	num [20]byte
}

func (p *printer) str(s ...string) {
	for _, v := range s {
		io.WriteString(p.w, v)
	}
}

func (p *printer) int(n int64) {
	p.w.Write(strconv.AppendInt(p.num[:0], n, 10))
}

func (p *printer) uint(n uint64) {
	p.w.Write(strconv.AppendUint(p.num[:0], n, 10))
}

func (p *printer) dur(d time.Duration) {
	p.int(int64(d.Hours()))
	p.str("h ")
	p.int(int64(d.Minutes()) % 60)
	p.str("m ")
	p.int(int64(d.Seconds()) % 60)
	p.str("s")
}

func (p *printer) yesNo(b bool) {
	if b {
		p.str("yes")
	} else {
		p.str("no")
	}
}

// exec runs one command line and writes its output to w.
func (sh *shell) exec(w io.Writer, line string) {
	p := &printer{w: w}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case cmdHelp:
		p.str("Commands: help version status net light mode ota reboot\r\n")
		p.str("  light [duty], mode [dim|threshold], ota-start [url]\r\n")
		p.str("  telemetry, telemetry-flush, telemetry-pause, telemetry-resume\r\n")

	case cmdVersion:
		p.str("Openenterprise Dimmer\r\n")
		p.str("  Version: ", version.String(), "\r\n")

	case cmdStatus:
		if sh.health == nil || sh.health.ok() {
			p.str("Status: OK\r\n")
		} else {
			p.str("Status: UNHEALTHY (reset pending)\r\n")
		}
		st := sh.app.Status()
		p.str("  Partition: ", st.Partition, "\r\n")
		p.str("  Light:     ")
		p.uint(uint64(st.Light))
		p.str(" duty ")
		p.uint(uint64(st.Duty))
		p.str(" (", st.Mode, ")\r\n")
		p.str("  Update:    ", st.OTAState, "\r\n")
		p.str("  Uptime:    ")
		p.dur(time.Since(sh.started))
		p.str("\r\n")

	case cmdNet:
		p.str("Network Status:\r\n")
		addr := "unknown"
		if sh.addr != nil {
			addr = sh.addr()
		}
		p.str("  IP Address: ", addr, "\r\n")
		p.str("  Console:    port ")
		p.uint(uint64(consolePort))
		p.str("\r\n")

	case cmdLight:
		if arg != "" {
			sh.app.HandleCommand([]byte(line))
		}
		r := sh.app.Loop().Last()
		p.str("Light: ")
		p.uint(uint64(r.Raw))
		p.str(" Duty: ")
		p.uint(uint64(r.Duty))
		p.str("/")
		p.uint(uint64(sh.app.Loop().Max()))
		p.str(" Mode: ", sh.app.Loop().Mode().String(), "\r\n")

	case cmdMode:
		if arg != "" {
			sh.app.HandleCommand([]byte(line))
		}
		p.str("Mode: ", sh.app.Loop().Mode().String(), "\r\n")

	case cmdOTA:
		s := sh.app.Controller().Status()
		st := sh.app.Status()
		p.str("OTA Status:\r\n")
		p.str("  Running partition: ", st.Partition, "\r\n")
		p.str("  Session:           ")
		p.uint(uint64(s.ID))
		p.str(" ", s.State.String(), "\r\n")
		if s.URL != "" {
			p.str("  URL:               ", s.URL, "\r\n")
		}
		p.str("  Bytes written:     ")
		p.uint(s.BytesWritten)
		p.str("\r\n")
		if s.Err != nil {
			p.str("  Error:             ", s.Err.Error(), "\r\n")
		}

	case cmdOTAStart:
		if sh.app.TriggerUpdate(arg) {
			p.str("Update started\r\n")
		} else {
			p.str("Update not started (busy or no URL)\r\n")
		}

	case cmdTelemetry:
		r := sh.app.Reporter()
		p.str("Telemetry Status:\r\n")
		p.str("  Enabled:   ")
		p.yesNo(r != nil)
		p.str("\r\n")
		if r != nil {
			stats := r.Stats()
			p.str("  Ready:     ")
			p.yesNo(r.Ready())
			p.str("\r\n  Paused:    ")
			p.yesNo(r.Paused())
			p.str("\r\n  Connects:  ")
			p.int(int64(stats.Connects))
			p.str("\r\n  Published: ")
			p.int(int64(stats.Published))
			p.str("\r\n  Received:  ")
			p.int(int64(stats.Received))
			p.str("\r\n  Errors:    ")
			p.int(int64(stats.Errors))
			p.str("\r\n")
		}
		if sh.logs != nil {
			p.str("  Queued:    ")
			p.int(int64(sh.logs.Len()))
			p.str(" (dropped ")
			p.int(int64(sh.logs.Dropped()))
			p.str(")\r\n")
		}

	case cmdTelemetryFlush, cmdTelemetryPause, cmdTelemetryGo:
		r := sh.app.Reporter()
		if r == nil {
			p.str("Telemetry disabled\r\n")
			return
		}
		switch fields[0] {
		case cmdTelemetryFlush:
			r.Flush()
			p.str("Flush complete\r\n")
		case cmdTelemetryPause:
			r.Pause()
			p.str("Telemetry paused\r\n")
		default:
			r.Resume()
			p.str("Telemetry resumed\r\n")
		}

	case cmdReboot:
		p.str("Rebooting device...\r\n")
		if sh.reboot != nil {
			sh.reboot()
		}

	default:
		p.str("Unknown command: ", fields[0], "\r\nType 'help' for commands\r\n")
	}
}
