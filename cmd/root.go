package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"speakerd/config"
	"speakerd/input"
	"speakerd/logger"
	"speakerd/machine"
	"speakerd/network"
	"speakerd/playback"
	"speakerd/power"
	"speakerd/source"
	"speakerd/storage"
	"speakerd/wireless"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "speakerd",
	Short: "A multifunction speaker playback controller",
	Long: `Speakerd drives a multifunction speaker through its three playback modes:
tracks from a storage medium, audio from a paired wireless peer, and
internet radio stations.

A mode button cycles storage, wireless and network playback, then restarts
the controller. Every mode is announced with a short prompt.`,
	RunE: runServer,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Local flags for the daemon
	rootCmd.Flags().String("storage-root", "/sdcard", "mount point of the storage medium")
	rootCmd.Flags().String("bridge-url", "ws://127.0.0.1:8765/sink", "wireless bridge websocket URL")
	rootCmd.Flags().Int("volume", 50, "volume set on every mode entry")
	rootCmd.Flags().StringSlice("input", nil, "input event devices")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().String("log-format", "text", "log format (text, json)")

	// Bind flags to viper
	viper.BindPFlag("storage.root", rootCmd.Flags().Lookup("storage-root"))
	viper.BindPFlag("wireless.bridge_url", rootCmd.Flags().Lookup("bridge-url"))
	viper.BindPFlag("speaker.default_volume", rootCmd.Flags().Lookup("volume"))
	viper.BindPFlag("input.devices", rootCmd.Flags().Lookup("input"))
	viper.BindPFlag("logging.level", rootCmd.Flags().Lookup("log-level"))
	viper.BindPFlag("logging.format", rootCmd.Flags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if verbose {
		viper.Set("logging.level", "debug")
	}
}

// runServer starts the controller and restarts it when it asks to.
func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// Setup logging
	if err := logger.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	m, err := newMachine(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize machine: %w", err)
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switchChan := make(chan os.Signal, 1)
	if len(switchSignals) > 0 {
		signal.Notify(switchChan, switchSignals...)
		defer signal.Stop(switchChan)
	}
	go func() {
		for {
			select {
			case <-switchChan:
				m.SwitchMode()
			case <-ctx.Done():
				return
			}
		}
	}()

	err = supervise(ctx, m)
	playback.CloseSpeaker()

	if errors.Is(err, machine.ErrRestart) {
		slog.Warn("Restarting controller")
		return restart()
	}
	if err != nil {
		return fmt.Errorf("machine stopped: %w", err)
	}
	fmt.Println("\nShut down gracefully")
	return nil
}

// controller is the part of the machine supervise drives.
type controller interface {
	Run(ctx context.Context) error
	Error() <-chan error
}

// supervise runs m until it returns. Background worker failures are
// reported while the machine keeps running without that worker.
func supervise(ctx context.Context, m controller) error {
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()

	for {
		select {
		case err := <-errc:
			return err
		case err := <-m.Error():
			slog.Error("Background worker stopped", slog.Any("error", err))
		}
	}
}

// newMachine wires every component described by cfg.
func newMachine(cfg *config.Config) (*machine.Machine, error) {
	fs := afero.NewOsFs()

	var line power.Line = &power.NopLine{}
	if cfg.Power.Chip != "" {
		l, err := power.OpenGPIOLine(cfg.Power.Chip, cfg.Power.Line, cfg.Power.ActiveHigh)
		if err != nil {
			return nil, err
		}
		line = l
	}
	steps := power.Steps{Low: cfg.Speaker.StepLow, High: cfg.Speaker.StepHigh, Threshold: cfg.Speaker.StepThreshold}
	if err := steps.Validate(); err != nil {
		line.Close()
		return nil, err
	}
	controller := power.NewController(steps, line, logger.WithComponent("power"))

	keymap := input.DefaultKeyMap()
	if len(cfg.Input.Keys) > 0 {
		km, err := input.ParseKeyMap(cfg.Input.Keys)
		if err != nil {
			line.Close()
			return nil, fmt.Errorf("input.keys: %w", err)
		}
		keymap = km
	}
	keys := input.NewPeripheral(cfg.Input.Devices, keymap, logger.WithComponent("input"))

	scanner := storage.NewScanner(fs, cfg.Storage.Root, cfg.Storage.Extensions, logger.WithComponent("storage"))
	probe := network.NewProbe(cfg.Network.ProbeAddress, cfg.Network.ProbeInterval, logger.WithComponent("network"))

	factory := &playback.Factory{
		FS: fs,
		Device: playback.Device{
			SampleRate: cfg.Audio.SampleRate,
			Buffer:     cfg.Audio.Buffer,
		},
		Gains:      cfg.Audio.EqualizerGains,
		ALCGain:    cfg.Audio.ALCGain,
		ChunkSize:  cfg.Audio.ChunkSize,
		Frames:     cfg.Audio.Frames,
		BufferSize: cfg.Audio.BufferChunks,
		Logger:     logger.WithComponent("playback"),
	}

	c := machine.Components{
		Pipelines:      factory,
		Power:          controller,
		StoragePresent: func() bool { return storage.Present(fs, cfg.Storage.Root) },
		Playlist:       source.NewPlaylist(scanner, logger.WithComponent("playlist")),
		Stations:       source.NewStation(source.NewStationList(cfg.Network.Stations...), probe),
		Input:          keys,
		Workers:        []machine.Worker{keys},
		DefaultVolume:  cfg.Speaker.DefaultVolume,
	}

	if cfg.Wireless.BridgeURL != "" {
		bridge, err := wireless.NewBridge(cfg.Wireless.BridgeURL, cfg.Wireless.DeviceName, cfg.Wireless.Retry, logger.WithComponent("wireless"))
		if err != nil {
			line.Close()
			return nil, err
		}
		factory.Peer = bridge
		c.Wireless = source.NewWireless(bridge)
		c.Transport = bridge
		c.Workers = append(c.Workers, bridge)
	} else {
		c.Wireless = source.NewWireless(nil)
	}

	return machine.New(c, machine.WithStatusInterval(cfg.Speaker.StatusInterval)), nil
}
