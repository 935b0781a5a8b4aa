package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aquamarinepk/aqm"
	"github.com/spf13/cobra"

	"github.com/appetiteclub/printerd/internal/auth"
	"github.com/appetiteclub/printerd/internal/config"
	"github.com/appetiteclub/printerd/internal/queue"
	"github.com/appetiteclub/printerd/internal/supervisor"
	"github.com/appetiteclub/printerd/internal/transport"
)

const (
	appNamespace = "PRINTERD"
	appName      = "printerd"
	appVersion   = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Local printer service daemon for restaurant kitchen printers",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon until interrupted",
	RunE:  runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("%s(%s) panicked: %v", appName, appVersion, r)
			os.Exit(70)
		}
	}()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	aqmConfig, err := aqm.LoadConfig(appNamespace, os.Args[2:])
	if err != nil {
		log.Fatalf("Cannot setup %s(%s): %v", appName, appVersion, err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	settings, err := config.Load(aqmConfig)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	logger := aqm.NewLogger(settings.LogLevel)

	routing, err := config.NewStore(settings.QueuePath + ".routing.json")
	if err != nil {
		return fmt.Errorf("open routing store: %w", err)
	}

	q, err := queue.Open(ctx, queue.Options{Path: settings.QueuePath, Passphrase: settings.QueuePassphrase})
	if err != nil {
		return fmt.Errorf("open job queue: %w", err)
	}
	defer q.Close()

	signingKeyStr, _ := aqmConfig.GetString("auth.signing.key")
	verifier := auth.NewVerifier(auth.KeySet{CurrentHMACKey: []byte(signingKeyStr)})

	options, err := supervisor.Build(supervisor.Deps{
		Settings: settings,
		Config:   aqmConfig,
		Logger:   logger,
		Queue:    q,
		Routing:  routing,
		Verifier: verifier,
	})
	if err != nil {
		return fmt.Errorf("build component graph: %w", err)
	}

	ms := aqm.NewMicro(options...)
	logger.Infof("Starting %s(%s)", appName, appVersion)

	if err := ms.Run(ctx); err != nil {
		return fmt.Errorf("%s(%s) stopped with error: %w", appName, appVersion, err)
	}
	logger.Infof("%s(%s) stopped", appName, appVersion)
	return nil
}

// exitCodeFor maps a top-level failure to the §6 exit-code taxonomy so an
// init system or the POS installer can distinguish config errors from
// transient startup failures without parsing log text.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, queue.ErrCorrupted):
		return 64
	case errors.Is(err, config.ErrUnreadable):
		return 65
	case errors.Is(err, transport.ErrRequiredUnavailable):
		return 69
	default:
		return 1
	}
}
