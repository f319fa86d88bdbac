package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"serial-rpc/config"
	"serial-rpc/logging"
	"serial-rpc/message"
	"serial-rpc/metrics"
	"serial-rpc/middleware"
	"serial-rpc/registry"
	"serial-rpc/server"
	"serial-rpc/transport"
	"syscall"
	"time"

	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type rootCommandeer struct {
	cmd        *cobra.Command
	configPath string
	config     config.DeviceConfig
	logger     logger.Logger

	// flag values, applied over the config file when set
	port        string
	listen      string
	baudRate    int
	bufferSize  int
	metricsAddr string
	logLevel    string
	etcd        []string
}

func newRootCommandeer() *rootCommandeer {
	commandeer := &rootCommandeer{}

	cmd := &cobra.Command{
		Use:           "rpcdevice",
		Short:         "Serve JSON-RPC requests over a serial port or TCP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := commandeer.initialize(cmd); err != nil {
				return errors.Wrap(err, "Failed to initialize")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return commandeer.run(ctx)
		},
	}

	cmd.Flags().StringVarP(&commandeer.configPath, "config", "c", "", "Path to a TOML config file")
	cmd.Flags().StringVarP(&commandeer.port, "port", "p", "", "Serial device to serve on (overrides listen)")
	cmd.Flags().StringVarP(&commandeer.listen, "listen", "l", "", "TCP address to serve on")
	cmd.Flags().IntVarP(&commandeer.baudRate, "baud-rate", "b", 0, "Serial baud rate")
	cmd.Flags().IntVar(&commandeer.bufferSize, "buffer-size", 0, "Receive buffer size in bytes")
	cmd.Flags().StringVar(&commandeer.metricsAddr, "metrics-addr", "", "Address to serve prometheus metrics on")
	cmd.Flags().StringVar(&commandeer.logLevel, "log-level", "", "debug, info, warn or error")
	cmd.Flags().StringSliceVar(&commandeer.etcd, "etcd", nil, "etcd endpoints to register with (TCP mode)")

	commandeer.cmd = cmd
	return commandeer
}

func (rc *rootCommandeer) initialize(cmd *cobra.Command) error {
	var err error

	rc.config, err = config.LoadDevice(rc.configPath)
	if err != nil {
		return errors.Wrap(err, "Failed to load config")
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		rc.config.Port = rc.port
	}
	if flags.Changed("listen") {
		rc.config.Listen = rc.listen
	}
	if flags.Changed("baud-rate") {
		rc.config.BaudRate = rc.baudRate
	}
	if flags.Changed("buffer-size") {
		rc.config.BufferSize = rc.bufferSize
	}
	if flags.Changed("metrics-addr") {
		rc.config.MetricsAddr = rc.metricsAddr
	}
	if flags.Changed("log-level") {
		rc.config.LogLevel = rc.logLevel
	}
	if flags.Changed("etcd") {
		rc.config.EtcdEndpoints = rc.etcd
	}
	if err := rc.config.Validate(); err != nil {
		return errors.Wrap(err, "Invalid configuration")
	}

	rc.logger, err = logging.New("rpcdevice", rc.config.LogLevel)
	if err != nil {
		return errors.Wrap(err, "Failed to create logger")
	}

	return nil
}

func (rc *rootCommandeer) createServer(recorder *metrics.Recorder) (*server.Server, error) {
	svr, err := server.NewServer(rc.logger, newDeviceMux(rc.config.BufferSize), server.Options{
		BufferSize:  rc.config.BufferSize,
		Metrics:     recorder,
		ServiceName: rc.config.ServiceName,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create server")
	}

	svr.Use(middleware.LoggingMiddleware(rc.logger))
	if rc.config.RequestTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(rc.config.RequestTimeout))
	}
	if rc.config.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(rc.config.RateLimit, rc.config.RateBurst))
	}
	return svr, nil
}

func (rc *rootCommandeer) run(ctx context.Context) error {
	recorder, err := metrics.NewRecorder()
	if err != nil {
		return errors.Wrap(err, "Failed to create metrics recorder")
	}

	svr, err := rc.createServer(recorder)
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)

	if rc.config.MetricsAddr != "" {
		group.Go(func() error {
			return rc.serveMetrics(ctx, recorder)
		})
	}

	group.Go(func() error {
		if rc.config.Port != "" {
			return rc.serveSerial(ctx, svr)
		}
		return rc.serveTCP(ctx, svr)
	})

	return group.Wait()
}

// serveSerial runs a single session on the serial port. The port is closed when ctx ends,
// which unblocks the pending read.
func (rc *rootCommandeer) serveSerial(ctx context.Context, svr *server.Server) error {
	serialPort, err := transport.OpenSerial(rc.config.Port, rc.config.BaudRate)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		serialPort.Close() // nolint: errcheck
	}()

	port := transport.NewStreamPort(serialPort)
	if rc.config.Greeting != "" {
		if err := svr.Announce(port, message.String(rc.config.Greeting)); err != nil {
			return errors.Wrap(err, "Failed to send greeting")
		}
	}

	rc.logger.InfoWith("Serving on serial port",
		"port", rc.config.Port,
		"baudRate", rc.config.BaudRate,
		"bufferSize", rc.config.BufferSize)

	err = svr.NewSession(port).Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (rc *rootCommandeer) serveTCP(ctx context.Context, svr *server.Server) error {
	var reg registry.Registry
	if len(rc.config.EtcdEndpoints) > 0 {
		etcdRegistry, err := registry.NewEtcdRegistry(rc.logger, rc.config.EtcdEndpoints)
		if err != nil {
			return errors.Wrap(err, "Failed to create registry")
		}
		defer etcdRegistry.Close() // nolint: errcheck
		reg = etcdRegistry
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- svr.ListenAndServe("tcp", rc.config.Listen, rc.config.AdvertiseAddr, reg)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	rc.logger.InfoWith("Shutting down", "timeout", rc.config.ShutdownTimeout)
	if err := svr.Shutdown(rc.config.ShutdownTimeout); err != nil {
		return errors.Wrap(err, "Failed to shut down")
	}
	return <-errCh
}

func (rc *rootCommandeer) serveMetrics(ctx context.Context, recorder *metrics.Recorder) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())

	httpServer := &http.Server{
		Addr:              rc.config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx) // nolint: errcheck
	}()

	rc.logger.InfoWith("Serving metrics", "addr", rc.config.MetricsAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "Failed to serve metrics")
	}
	return nil
}
