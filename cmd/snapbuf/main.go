// Snapbuf - live message buffering service
//
// Buffers the most recent window of each subscribed bus topic's traffic in
// memory, under per-topic memory and duration caps, and writes the buffered
// messages to a snapshot container file on command. With any of -t/-p/-r the
// same binary acts as a remote control client against a running instance.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"snapbuf/api"
	"snapbuf/buffer"
	"snapbuf/client"
	"snapbuf/config"
	"snapbuf/kafka"
	"snapbuf/logging"
	"snapbuf/mqtt"
	"snapbuf/snapshot"
	"snapbuf/storage"
	"snapbuf/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	var (
		triggerWrite bool
		pause        bool
		resume       bool
		sizeMB       float64
		durationSec  float64
		filename     string
		configPath   string
		serverURL    string
		showVersion  bool
	)

	flag.BoolVar(&triggerWrite, "trigger-write", false, "Write buffered messages for the selected topics to a snapshot file")
	flag.BoolVar(&triggerWrite, "t", false, "Shorthand for -trigger-write")
	flag.BoolVar(&pause, "pause", false, "Stop buffering new messages until resumed or a write is triggered")
	flag.BoolVar(&pause, "p", false, "Shorthand for -pause")
	flag.BoolVar(&resume, "resume", false, "Resume buffering new messages, writing over older messages as needed")
	flag.BoolVar(&resume, "r", false, "Shorthand for -resume")
	flag.Float64Var(&sizeMB, "size", -1, "Maximum memory per topic to use in buffering, in MB. Negative = no limit")
	flag.Float64Var(&sizeMB, "s", -1, "Shorthand for -size")
	flag.Float64Var(&durationSec, "duration", 30, "Maximum difference between newest and oldest buffered message per topic, in seconds")
	flag.Float64Var(&durationSec, "d", 30, "Shorthand for -duration")
	flag.StringVar(&filename, "filename", "", "Name of output file when triggering a write; if it does not end in the snapshot suffix, the current date/time and suffix are appended")
	flag.StringVar(&filename, "o", "", "Shorthand for -filename")
	flag.StringVar(&configPath, "config", config.DefaultPath(), "Path to configuration file")
	flag.StringVar(&serverURL, "server", "", "Control API URL of a running instance (client mode)")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("snapbuf %s\n", Version)
		os.Exit(0)
	}

	// Track explicitly set flags so CLI limits override config file
	// defaults only when the operator asked for it.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	topics := flag.Args()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Any of the client flags routes to the remote-command path.
	if triggerWrite || pause || resume {
		os.Exit(runClient(cfg, serverURL, pause, resume, topics, filename))
	}

	os.Exit(runService(cfg, topics, sizeMB, durationSec, set))
}

// runClient sends a single control command to a running instance.
func runClient(cfg *config.Config, serverURL string, pause, resume bool, topics []string, filename string) int {
	base := serverURL
	if base == "" {
		base = cfg.APIBaseURL()
	}

	c := client.New(base)
	if password := os.Getenv("SNAPBUF_API_PASSWORD"); password != "" {
		c.SetPassword(password)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch {
	case pause:
		if err := c.Pause(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println("recording paused")
	case resume:
		if err := c.Resume(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println("recording resumed")
	default:
		written, err := c.TriggerWrite(ctx, topics, filename)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("wrote %s\n", written)
	}
	return 0
}

// runService starts a buffering instance and blocks until interrupted.
func runService(cfg *config.Config, topics []string, sizeMB, durationSec float64, set map[string]bool) int {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		return 1
	}

	// Session debug log
	if cfg.Debug.LogFile != "" {
		debugLogger, err := logging.NewDebugLogger(cfg.Debug.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: debug log disabled: %v\n", err)
		} else {
			debugLogger.SetFilter(cfg.Debug.Filter)
			logging.SetGlobalDebugLogger(debugLogger)
			defer debugLogger.Close()
		}
	}

	// Node defaults: config file values, overridden by explicit CLI flags.
	defaults := cfg.DefaultLimits()
	if set["size"] || set["s"] {
		if sizeMB < 0 {
			defaults.Memory = buffer.NoLimit
		} else {
			defaults.Memory = int64(sizeMB * 1e6)
		}
	}
	if set["duration"] || set["d"] {
		defaults.Duration = config.SecondsToDuration(durationSec)
	}

	// Positional topics adopt inherited limits.
	for _, topic := range topics {
		cfg.AddTopic(topic)
	}

	// Configuration store: extra topics and per-topic overrides.
	overrides := make(map[string]buffer.TopicLimits)
	if cfg.Store != nil && cfg.Store.Enabled {
		store := valkey.NewStore(cfg.Store)
		if err := store.Connect(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		extra, err := store.ExtraTopics(ctx)
		if err == nil {
			for _, topic := range extra {
				cfg.AddTopic(topic)
			}
			for _, t := range cfg.Topics {
				var limits buffer.TopicLimits
				limits, err = store.TopicOverrides(ctx, t.Name)
				if err != nil {
					break
				}
				overrides[t.Name] = limits
			}
		}
		cancel()
		store.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	if len(cfg.Topics) == 0 {
		fmt.Fprintln(os.Stderr, "No topics selected. Exiting.")
		return 1
	}

	// Build the manager and its fixed buffer set.
	writer := storage.NewFileWriter(cfg.Storage.OutputDir)
	manager := snapshot.NewManager(writer)

	topicNames := make([]string, 0, len(cfg.Topics))
	for _, t := range cfg.Topics {
		limits := t.Limits()
		if override, ok := overrides[t.Name]; ok {
			if override.Duration != nil {
				limits.Duration = override.Duration
			}
			if override.Memory != nil {
				limits.Memory = override.Memory
			}
		}
		if err := manager.AddTopic(t.Name, buffer.ResolveLimits(limits, defaults)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		topicNames = append(topicNames, t.Name)
	}

	// Bus sources
	type source interface{ Stop() }
	var sources []source

	if cfg.MQTT != nil && cfg.MQTT.Enabled {
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "snapbuf"
		}
		src := mqtt.NewSource(cfg.MQTT, topicNames, manager.HandleMessage)
		if err := src.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: MQTT source: %v\n", err)
			return 1
		}
		sources = append(sources, src)
	}
	if cfg.Kafka != nil && cfg.Kafka.Enabled {
		src := kafka.NewSource(cfg.Kafka, topicNames, manager.HandleMessage)
		if err := src.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: Kafka source: %v\n", err)
			return 1
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		fmt.Fprintln(os.Stderr, "No bus source enabled in config. Exiting.")
		return 1
	}

	// Control API
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(manager, &cfg.API)
		if err := apiServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: control API: %v\n", err)
			return 1
		}
		fmt.Printf("control API on %s\n", apiServer.Address())
	}

	fmt.Printf("snapbuf %s buffering %d topics (duration limit %s, memory limit %s)\n",
		Version, len(topicNames), describeDuration(defaults.Duration), describeMemory(defaults.Memory))

	// Block until interrupted.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down")
	for _, s := range sources {
		s.Stop()
	}
	if apiServer != nil {
		apiServer.Stop()
	}
	return 0
}

func describeDuration(d time.Duration) string {
	if d < 0 {
		return "none"
	}
	return d.String()
}

func describeMemory(bytes int64) string {
	if bytes < 0 {
		return "none"
	}
	return fmt.Sprintf("%d bytes", bytes)
}
