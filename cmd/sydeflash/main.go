package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sydeflash",
	Short: "sydeflash updates ECUs running an openSYDE or STW flashloader",
	Long: `Flashes one node with one file over CAN (root command), updates a whole
system described in a TOML file (update) or lists the nodes on a bus (scan).

Full logs are written to the sydeflash data directory; the console only shows
progress and a one-line result.`,
	Args:              cobra.NoArgs,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
	RunE:              runFlash,
}

var (
	verboseLog bool
	logPath    string
	logFile    io.Closer
)

// usageError 参数错误, 退出码 exitInvalidParams
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }

func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

func setupLogging(*cobra.Command, []string) error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
	if verboseLog {
		log.SetLevel(log.DebugLevel)
	}

	path, err := xdg.DataFile("sydeflash/sydeflash.log")
	if err != nil {
		log.Warnf("no log file: %v", err)
		log.SetOutput(os.Stderr)
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Warnf("open log file %s: %v", path, err)
		log.SetOutput(os.Stderr)
		return nil
	}
	logPath, logFile = path, f
	if verboseLog {
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	} else {
		log.SetOutput(f)
	}
	log.Infof("sydeflash started: %s", strings.Join(os.Args[1:], " "))
	return nil
}

// parseNumber 接受十进制或 0x 前缀的十六进制
func parseNumber(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		s, base = s[2:], 16
	}
	res, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return uint32(res), nil
}

func main() {
	addFlashFlags(rootCmd.Flags())
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false, "Also print debug logging to the console")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return &usageError{err: err} })
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(scanCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	cmd, err := rootCmd.ExecuteContextC(ctx)
	stop()

	code := exitCode(err)
	if err == nil && helpRequested(cmd) {
		code = exitHelp
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sydeflash: %s (exit code %d)\n", summarize(err), code)
		if logPath != "" {
			fmt.Fprintf(os.Stderr, "details: %s\n", logPath)
		}
	}
	if logFile != nil {
		log.Infof("sydeflash finished with exit code %d", code)
		logFile.Close()
	}
	os.Exit(code)
}

func helpRequested(cmd *cobra.Command) bool {
	if cmd == nil {
		return false
	}
	f := cmd.Flags().Lookup("help")
	return f != nil && f.Changed
}
