// Command tracker runs the BitTorrent tracker core: an in-memory swarm
// registry served over both the UDP (BEP-15) and HTTP (BEP-3/23/48) wire
// protocols, behind a configurable whitelist/key access-control mode.
package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/chihaya/tracker/config"
	httpfrontend "github.com/chihaya/tracker/frontend/http"
	udpfrontend "github.com/chihaya/tracker/frontend/udp"
	"github.com/chihaya/tracker/pkg/stop"
)

func main() {
	var configFilePath string
	var cpuProfilePath string

	rootCmd := &cobra.Command{
		Use:   "tracker",
		Short: "BitTorrent Tracker",
		Long:  "An in-memory BitTorrent tracker core speaking both UDP and HTTP",
		Run: func(cmd *cobra.Command, args []string) {
			if err := run(configFilePath, cpuProfilePath); err != nil {
				log.Fatal(err)
			}
		},
	}

	rootCmd.Flags().StringVar(&configFilePath, "config", "/etc/tracker.yaml", "location of configuration file")
	rootCmd.Flags().StringVar(&cpuProfilePath, "cpuprofile", "", "location to save a CPU profile")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(configFilePath, cpuProfilePath string) error {
	if cpuProfilePath != "" {
		log.Println("enabled CPU profiling to", cpuProfilePath)
		f, err := os.Create(cpuProfilePath)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	cfg, err := config.ParseConfigFile(configFilePath)
	if err != nil {
		return errors.New("failed to read config: " + err.Error())
	}

	registry, err := cfg.CreateRegistry()
	if err != nil {
		return errors.New("failed to create swarm registry: " + err.Error())
	}

	persist, err := cfg.CreatePersistence()
	if err != nil {
		return errors.New("failed to create persistence backend: " + err.Error())
	}

	logic, err := cfg.CreateLogic(registry, persist)
	if err != nil {
		return errors.New("failed to create tracker logic: " + err.Error())
	}

	if cfg.Tracker.PrometheusAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Println("started serving prometheus stats on", cfg.Tracker.PrometheusAddr)
			if err := http.ListenAndServe(cfg.Tracker.PrometheusAddr, mux); err != nil {
				log.Fatal(err)
			}
		}()
	}

	udpFrontend, err := udpfrontend.NewFrontend(logic, cfg.Tracker.UDP)
	if err != nil {
		return errors.New("failed to start udp frontend: " + err.Error())
	}
	httpFrontend := httpfrontend.NewFrontend(logic, cfg.Tracker.HTTP)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	var stopGroup []stop.Result
	stopGroup = append(stopGroup, udpFrontend.Stop())
	stopGroup = append(stopGroup, httpFrontend.Stop())
	stopGroup = append(stopGroup, logic.Stop())

	var firstErr error
	for _, r := range stopGroup {
		if err, ok := <-r; ok && err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
