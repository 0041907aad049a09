package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

const (
	defaultPort    = "23"
	defaultTimeout = 10 * time.Second
	readTimeout    = 5 * time.Second
)

var (
	consolePassword string
	consolePort     string
)

var consoleCmd = &cobra.Command{
	Use:   "console <host> [command...]",
	Short: "Open the device debug console or run one command",
	Long: `Connects to the telnet debug console of a device. With a command the
output is printed and the session ends; without one an interactive session
starts.

Console commands: help, version, status, net, light [duty],
mode [dim|threshold], ota, ota-start [url], telemetry, telemetry-flush,
telemetry-pause, telemetry-resume, reboot`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := consoleAddr(args[0])
		pass := getPassword(consolePassword)
		if len(args) > 1 {
			return runCommand(addr, strings.Join(args[1:], " "), pass, cmd.OutOrStdout())
		}
		return interactive(addr, pass, os.Stdin, cmd.OutOrStdout())
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <host> [url]",
	Short: "Start a firmware update on the device",
	Long: `Asks the device to download and install the image at url, or at its
configured update URL. The device reboots into the new image on success.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		line := "ota-start"
		if len(args) > 1 {
			line += " " + args[1]
		}
		return runCommand(consoleAddr(args[0]), line, getPassword(consolePassword), cmd.OutOrStdout())
	},
}

func init() {
	for _, c := range []*cobra.Command{consoleCmd, triggerCmd} {
		c.Flags().StringVar(&consolePassword, "password", "", "console password (or DIMMER_CONSOLE_PASSWORD)")
		c.Flags().StringVar(&consolePort, "port", "", "console port (default console.port, 23)")
		rootCmd.AddCommand(c)
	}
}

func consoleAddr(host string) string {
	port := consolePort
	if port == "" {
		port = viper.GetString("console.port")
	}
	return net.JoinHostPort(host, port)
}

func dialConsole(addr, password string) (net.Conn, error) {
	timeout := viper.GetDuration("console.timeout")
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect failed: %w", err)
	}
	if err := authenticate(conn, password); err != nil {
		conn.Close()
		return nil, err
	}
	// Consume welcome message until we see the prompt
	if _, err := readUntilPrompt(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("no prompt (wrong password?): %w", err)
	}
	return conn, nil
}

// runCommand executes a single command and prints the response
func runCommand(addr, cmd, password string, out io.Writer) error {
	conn, err := dialConsole(addr, password)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	output, err := readUntilPrompt(conn)
	if output != "" {
		fmt.Fprintln(out, output)
	}
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	return nil
}

// interactive runs an interactive session with the device
func interactive(addr, password string, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "Connecting to %s...\n", addr)
	conn, err := dialConsole(addr, password)
	if err != nil {
		return err
	}
	defer func() { conn.Close() }()
	fmt.Fprintln(out, "Connected! Type 'quit' or Ctrl+C to exit.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "quit" || input == "exit" {
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}

		_, err := conn.Write([]byte(input + "\r\n"))
		var output string
		if err == nil {
			output, err = readUntilPrompt(conn)
		}
		if err != nil {
			fmt.Fprintln(out, "Connection lost, reconnecting...")
			conn.Close()
			if conn, err = dialConsole(addr, password); err != nil {
				return fmt.Errorf("reconnect failed: %w", err)
			}
			continue
		}
		if output != "" {
			fmt.Fprintln(out, output)
		}
	}
}

// getPassword resolves password from various sources
// Priority: flag > env/config file > interactive prompt
func getPassword(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := viper.GetString("console.password"); p != "" {
		return p
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err == nil && len(password) > 0 {
			return string(password)
		}
	}
	return ""
}

// authenticate waits for the password prompt and answers it. The telnet
// echo negotiation may arrive in its own segment.
func authenticate(conn net.Conn, password string) error {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	buf := make([]byte, 64)
	var prompt []byte
	for !strings.Contains(strings.ToLower(string(prompt)), "password") {
		n, err := conn.Read(buf)
		prompt = append(prompt, stripTelnetIAC(buf[:n])...)
		if err != nil {
			return fmt.Errorf("read prompt failed: %w", err)
		}
		if len(prompt) > 256 {
			return fmt.Errorf("unexpected prompt: %s", prompt)
		}
	}
	if _, err := conn.Write([]byte(password + "\r\n")); err != nil {
		return fmt.Errorf("send password failed: %w", err)
	}
	return nil
}

// stripTelnetIAC removes telnet IAC (Interpret As Command) sequences from data.
// IAC = 0xFF, followed by command byte and possibly option byte.
func stripTelnetIAC(data []byte) []byte {
	result := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if data[i] == 0xFF && i+1 < len(data) {
			// WILL/WONT/DO/DONT (0xFB-0xFE) have an option byte
			cmd := data[i+1]
			if cmd >= 0xFB && cmd <= 0xFE && i+2 < len(data) {
				i += 3
			} else {
				i += 2
			}
		} else {
			result = append(result, data[i])
			i++
		}
	}
	return result
}

// readUntilPrompt reads until the device prompt "> " ends the output and
// returns the text before it, trimmed.
func readUntilPrompt(conn net.Conn) (string, error) {
	buf := make([]byte, 512)
	var acc strings.Builder
	deadline := time.Now().Add(readTimeout)
	for {
		conn.SetReadDeadline(deadline)
		n, err := conn.Read(buf)
		if n > 0 {
			acc.Write(stripTelnetIAC(buf[:n]))
			if s := acc.String(); strings.HasSuffix(s, "> ") {
				return strings.TrimSpace(strings.TrimSuffix(s, "> ")), nil
			}
		}
		if err != nil {
			return strings.TrimSpace(acc.String()), err
		}
	}
}
