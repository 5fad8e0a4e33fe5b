// cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ColonelBlimp/mixengine/internal/config"
	"github.com/ColonelBlimp/mixengine/internal/device"
	"github.com/ColonelBlimp/mixengine/internal/format"
	"github.com/ColonelBlimp/mixengine/internal/mixer"
	"github.com/ColonelBlimp/mixengine/internal/stream"
)

var rootCmd = &cobra.Command{
	Use:   "mixengine",
	Short: "Real-time audio mixing engine",
	Long:  `mixengine mixes multiple playback streams into a single output device in real time.`,
	RunE:  runMixer,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List available playback devices",
	RunE:  runDevices,
}

func runDevices(_ *cobra.Command, _ []string) error {
	infos, err := device.Enumerate()
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}
	fmt.Println("Available playback devices:")
	for i, info := range infos {
		fmt.Printf("  [%d] %s\n", i, info.Name())
	}
	return nil
}

// runMixer is the main entry point that wires all components together.
func runMixer(_ *cobra.Command, _ []string) error {
	settings, err := config.Get()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if settings.Debug {
		fmt.Printf("Config: sample_rate=%.0f, channels=%d, latency_ms=%d\n",
			settings.SampleRate, settings.Channels, settings.LatencyMs)
		fmt.Printf("Stream defaults: cache_ms=%d, volume=%d\n", settings.CacheMs, settings.Volume)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
		cancel()
	}()

	mixFmt := format.Format{
		SampleRate: uint32(settings.SampleRate),
		Channels:   uint8(settings.Channels),
	}

	sink, err := device.Open(mixFmt, uint32(settings.LatencyMs), settings.DeviceIndex)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}

	m := mixer.New(sink, mixFmt)
	m.SetVolume(settings.Volume)
	defer func() {
		if err := m.Close(); err != nil {
			if _, printErr := fmt.Fprintf(os.Stderr, "error closing mixer: %v\n", err); printErr != nil {
				fmt.Println("error closing mixer:", err)
			}
		}
	}()

	if settings.DemoToneEnabled {
		if err := addDemoToneStream(m, mixFmt, settings); err != nil {
			return fmt.Errorf("add demo tone stream: %w", err)
		}
	}

	fmt.Println("mixengine running. Press Ctrl+C to stop.")

	// Wait for context cancellation
	<-ctx.Done()

	fmt.Println("mixengine stopped.")
	return nil
}

// addDemoToneStream wires a synthetic sine-wave producer straight into the
// mixer, exercising the pull-source stream topology without any external
// audio source.
func addDemoToneStream(m *mixer.Mixer, mixFmt format.Format, settings *config.Settings) error {
	phase := 0.0
	step := 2 * math.Pi * settings.DemoToneHz / settings.SampleRate
	channels := int(mixFmt.Channels)

	producer := func(buf []float32, maxFrames int, outFmt *format.Format) (int, error) {
		*outFmt = mixFmt
		for i := 0; i < maxFrames; i++ {
			sample := float32(math.Sin(phase))
			phase += step
			if phase > 2*math.Pi {
				phase -= 2 * math.Pi
			}
			for ch := 0; ch < channels; ch++ {
				buf[i*channels+ch] = sample
			}
		}
		return maxFrames, nil
	}

	s, err := m.AddStream(stream.Config{
		SourceFormat: mixFmt,
		CacheMillis:  settings.CacheMs,
		UseThread:    true,
		Producer:     producer,
	})
	if err != nil {
		return err
	}
	s.SetVolume(settings.DemoToneVolume)
	s.Play()
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "execution error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags (override config file)
	rootCmd.PersistentFlags().IntP("device", "d", -1, "playback device index (-1 for default)")
	rootCmd.PersistentFlags().Float64P("rate", "r", 48000, "mixer working sample rate in Hz")
	rootCmd.PersistentFlags().IntP("channels", "c", 2, "mixer working channel count")
	rootCmd.PersistentFlags().BoolP("debug", "D", false, "enable debug output")

	// Bind flags to viper
	cobra.CheckErr(viper.BindPFlag("device_index", rootCmd.PersistentFlags().Lookup("device")))
	cobra.CheckErr(viper.BindPFlag("sample_rate", rootCmd.PersistentFlags().Lookup("rate")))
	cobra.CheckErr(viper.BindPFlag("channels", rootCmd.PersistentFlags().Lookup("channels")))
	cobra.CheckErr(viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")))

	rootCmd.AddCommand(devicesCmd)
}

func initConfig() {
	if err := config.Init(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
}
