package main

import (
	"context"
	"fmt"
	"serial-rpc/client"
	"serial-rpc/config"
	"serial-rpc/loadbalance"
	"serial-rpc/logging"
	"serial-rpc/registry"
	"time"

	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
	"github.com/spf13/cobra"
)

type RootCommandeer struct {
	cmd        *cobra.Command
	configPath string
	config     config.HostConfig
	logger     logger.Logger
	verbose    bool

	// flag values, applied over the config file when set
	port        string
	baudRate    int
	addr        string
	etcd        []string
	serviceName string
	balancer    string
	initTimeout time.Duration
	readTimeout time.Duration
	retries     int
}

func NewRootCommandeer() *RootCommandeer {
	commandeer := &RootCommandeer{}

	cmd := &cobra.Command{
		Use:           "rpcctl [command]",
		Short:         "Call JSON-RPC methods on a serial-rpc device",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&commandeer.configPath, "config", "c", "", "Path to a TOML config file")
	flags.BoolVarP(&commandeer.verbose, "verbose", "v", false, "Verbose output")
	flags.StringVarP(&commandeer.port, "port", "p", "", "Serial device of the board")
	flags.IntVarP(&commandeer.baudRate, "baud-rate", "b", 0, "Serial baud rate")
	flags.StringVarP(&commandeer.addr, "addr", "a", "", "TCP address of a device")
	flags.StringSliceVar(&commandeer.etcd, "etcd", nil, "etcd endpoints to discover devices in")
	flags.StringVar(&commandeer.serviceName, "service", "", "Service name devices are registered under")
	flags.StringVar(&commandeer.balancer, "balancer", "", "round_robin, weighted_random or consistent_hash")
	flags.DurationVar(&commandeer.initTimeout, "init-timeout", 0, "How long to wait for the board greeting")
	flags.DurationVar(&commandeer.readTimeout, "timeout", 0, "How long to wait for each response")
	flags.IntVar(&commandeer.retries, "retries", 0, "Extra attempts after a timeout")

	cmd.AddCommand(
		newCallCommandeer(commandeer).cmd,
		newLEDCommandeer(commandeer).cmd,
		newPortsCommandeer(commandeer).cmd,
	)

	commandeer.cmd = cmd
	return commandeer
}

func (rc *RootCommandeer) initialize() error {
	var err error

	rc.config, err = config.LoadHost(rc.configPath)
	if err != nil {
		return errors.Wrap(err, "Failed to load config")
	}

	flags := rc.cmd.PersistentFlags()
	if flags.Changed("port") {
		rc.config.Port = rc.port
	}
	if flags.Changed("baud-rate") {
		rc.config.BaudRate = rc.baudRate
	}
	if flags.Changed("addr") {
		rc.config.Addr = rc.addr
	}
	if flags.Changed("etcd") {
		rc.config.EtcdEndpoints = rc.etcd
	}
	if flags.Changed("service") {
		rc.config.ServiceName = rc.serviceName
	}
	if flags.Changed("balancer") {
		rc.config.Balancer = rc.balancer
	}
	if flags.Changed("init-timeout") {
		rc.config.InitTimeout = rc.initTimeout
	}
	if flags.Changed("timeout") {
		rc.config.ReadTimeout = rc.readTimeout
	}
	if flags.Changed("retries") {
		rc.config.Retries = rc.retries
	}
	if rc.verbose {
		rc.config.LogLevel = "debug"
	}
	if err := rc.config.Validate(); err != nil {
		return errors.Wrap(err, "Invalid configuration")
	}

	rc.logger, err = logging.New("rpcctl", rc.config.LogLevel)
	if err != nil {
		return errors.Wrap(err, "Failed to create logger")
	}

	return nil
}

func (rc *RootCommandeer) clientOptions() client.Options {
	return client.Options{
		FrameSize:   rc.config.FrameSize,
		InitTimeout: rc.config.InitTimeout,
		ReadTimeout: rc.config.ReadTimeout,
		Retries:     rc.config.Retries,
		RetryDelay:  rc.config.RetryDelay,
		PoolSize:    rc.config.PoolSize,
	}
}

// createClient connects to the configured device. A serial board resets when the port opens,
// so its greeting is awaited and printed before returning.
func (rc *RootCommandeer) createClient(ctx context.Context) (*client.Client, error) {
	switch {
	case rc.config.Port != "":
		c, err := client.OpenSerial(rc.logger, rc.config.Port, rc.config.BaudRate, rc.clientOptions())
		if err != nil {
			return nil, err
		}

		greeting, err := c.Init(ctx)
		if err != nil {
			c.Close() // nolint: errcheck
			return nil, errors.Wrap(err, "Failed to initialize device")
		}
		if greeting != "" {
			fmt.Fprintf(rc.cmd.OutOrStdout(), "init: %s\n", greeting)
		}
		return c, nil

	case rc.config.Addr != "":
		return client.Dial(rc.logger, "tcp", rc.config.Addr, rc.clientOptions())

	case len(rc.config.EtcdEndpoints) > 0:
		reg, err := registry.NewEtcdRegistry(rc.logger, rc.config.EtcdEndpoints)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to create registry")
		}
		balancer, err := loadbalance.New(rc.config.Balancer)
		if err != nil {
			return nil, err
		}
		return client.NewDiscovery(rc.logger, reg, balancer, rc.config.ServiceName, rc.clientOptions()), nil
	}

	return nil, errors.New("One of --port, --addr or --etcd is required")
}
