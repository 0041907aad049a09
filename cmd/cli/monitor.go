package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.bug.st/serial"
)

const monitorReadTimeout = 500 * time.Millisecond

var (
	monitorList  bool
	monitorMatch string
)

var errNoPort = errors.New("no USB serial port found, pass one explicitly")

var monitorCmd = &cobra.Command{
	Use:   "monitor [port]",
	Short: "Print the device log from its USB serial port",
	Long: `Reads the log a device writes to its USB serial console. Without a
port the first USB CDC port is used. --match keeps only lines containing
the given text, e.g. --match ota: for update progress.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := serial.GetPortsList()
		if err != nil {
			return err
		}
		if monitorList {
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		}
		name := ""
		if len(args) > 0 {
			name = args[0]
		} else if name, err = pickPort(ports); err != nil {
			return err
		}

		mode := &serial.Mode{
			BaudRate: viper.GetInt("monitor.baud"),
			Parity:   serial.NoParity,
			DataBits: 8,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(name, mode)
		if err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}
		if err := port.SetReadTimeout(monitorReadTimeout); err != nil {
			port.Close()
			return err
		}
		log.Info("monitor:open", slog.String("port", name), slog.Int("baud", mode.BaudRate))

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sig
			port.Close()
		}()
		err = monitor(port, cmd.OutOrStdout(), monitorMatch)
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return nil
		}
		return err
	},
}

func init() {
	monitorCmd.Flags().BoolVar(&monitorList, "list", false, "list serial ports and exit")
	monitorCmd.Flags().StringVar(&monitorMatch, "match", "", "only print lines containing this text")
	monitorCmd.Flags().Int("baud", 115200, "baud rate")
	viper.BindPFlag("monitor.baud", monitorCmd.Flags().Lookup("baud"))
	rootCmd.AddCommand(monitorCmd)
}

// pickPort returns the first port that looks like a USB CDC device.
func pickPort(ports []string) (string, error) {
	for _, p := range ports {
		if strings.Contains(p, "ttyACM") || strings.Contains(p, "usbmodem") {
			return p, nil
		}
	}
	return "", errNoPort
}

// monitor copies lines from r to out until r fails. Read timeouts show up
// as empty reads and are ignored.
func monitor(r io.Reader, out io.Writer, match string) error {
	sc := bufio.NewScanner(&retryReader{r: r})
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if match != "" && !strings.Contains(line, match) {
			continue
		}
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

// retryReader hides (0, nil) reads from bufio.Scanner, which gives up after
// too many of them. go.bug.st/serial returns those on read timeout.
type retryReader struct {
	r io.Reader
}

func (rr *retryReader) Read(p []byte) (int, error) {
	for {
		n, err := rr.r.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}
