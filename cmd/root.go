// cmd/root.go
package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kvrouter/kvrouter/router"
	"github.com/kvrouter/kvrouter/router/proxy"
)

var (
	listenAddr          string
	endpointURLs        []string
	routingLogic        string
	sessionKey          string
	slidingWindow       float64
	blockSize           int
	totalBlocks         int
	decodePrefillRatio  float64
	safetyFraction      float64
	logLevel            string
	policyConfigPath    string
	scheduleLogPath     string
	scheduleLogInterval time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "kvrouter",
	Short: "KV-cache-aware request router for LLM inference replicas",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the router in front of the configured replicas",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		profile := router.KVCacheProfile{
			BlockSize:            blockSize,
			TotalBlocks:          totalBlocks,
			DecodeToPrefillRatio: decodePrefillRatio,
			SafetyFraction:       safetyFraction,
		}
		logic := routingLogic
		key := sessionKey

		if policyConfigPath != "" {
			bundle, err := router.LoadPolicyBundle(policyConfigPath)
			if err != nil {
				return err
			}
			if err := bundle.Validate(); err != nil {
				return err
			}
			if bundle.Routing != "" {
				logic = bundle.Routing
			}
			if bundle.SessionKey != "" {
				key = bundle.SessionKey
			}
			profile = bundle.ApplyProfile(profile)
		}

		monitor, err := router.NewRequestStatsMonitor(slidingWindow, profile)
		if err != nil {
			return err
		}
		registry := router.NewPolicyRegistry(monitor)
		policy, err := registry.Initialize(logic, router.PolicyConfig{
			SessionKey: key,
			Profile:    profile,
		})
		if err != nil {
			return err
		}

		endpoints := make([]router.Endpoint, len(endpointURLs))
		for i, url := range endpointURLs {
			endpoints[i] = router.Endpoint{URL: url}
		}

		metrics := router.NewMetrics(prometheus.DefaultRegisterer)
		server := proxy.NewServer(monitor, registry, metrics, proxy.Config{
			Endpoints:      endpoints,
			MetricsHandler: promhttp.Handler(),
		})

		var scheduleLog *router.ScheduleLogger
		if scheduleLogPath != "" {
			var queueLen func() int
			if hra, ok := policy.(*router.HRARouter); ok {
				queueLen = hra.QueueLength
			}
			scheduleLog = router.NewScheduleLogger(monitor, server.Endpoints,
				scheduleLogPath, scheduleLogInterval, metrics, queueLen)
			go scheduleLog.Run()
		}

		httpServer := &http.Server{
			Addr:              listenAddr,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errc := make(chan error, 1)
		go func() {
			logrus.Infof("Serving %s routing on %s with %d replicas, window=%.0fs, blocks=%d×%d tokens",
				logic, listenAddr, len(endpoints), slidingWindow, profile.TotalBlocks, profile.BlockSize)
			errc <- httpServer.ListenAndServe()
		}()

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}

		logrus.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logrus.Warnf("HTTP shutdown: %v", err)
		}
		if scheduleLog != nil {
			scheduleLog.Stop()
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "Address the router listens on")
	serveCmd.Flags().StringSliceVar(&endpointURLs, "endpoints", nil, "Replica base URLs (comma-separated)")
	serveCmd.Flags().StringVar(&routingLogic, "routing-logic", router.LogicRoundRobin, "Routing logic (roundrobin, session, llq, hra, custom)")
	serveCmd.Flags().StringVar(&sessionKey, "session-key", "x-user-id", "Request header carrying the session id (session logic)")
	serveCmd.Flags().Float64Var(&slidingWindow, "window", 60, "Stats sliding window in seconds")
	serveCmd.Flags().IntVar(&blockSize, "block-size", router.DefaultBlockSize, "Tokens per KV cache block")
	serveCmd.Flags().IntVar(&totalBlocks, "total-blocks", router.DefaultTotalBlocks, "KV cache blocks per replica")
	serveCmd.Flags().Float64Var(&decodePrefillRatio, "decode-prefill-ratio", router.DefaultDecodeToPrefillRatio, "Expected decode tokens per prefill token")
	serveCmd.Flags().Float64Var(&safetyFraction, "safety-fraction", router.DefaultSafetyFraction, "Fraction of blocks kept free on every replica")
	serveCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&policyConfigPath, "policy-config", "", "Optional YAML policy bundle overriding the flags above")
	serveCmd.Flags().StringVar(&scheduleLogPath, "schedule-log", "", "CSV schedule log path (empty disables)")
	serveCmd.Flags().DurationVar(&scheduleLogInterval, "schedule-log-interval", time.Second, "Schedule log tick interval")

	rootCmd.AddCommand(serveCmd)
}
