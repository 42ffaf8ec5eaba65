package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/beriberikix/usbipd-go/config"
	"github.com/beriberikix/usbipd-go/server"
	"github.com/beriberikix/usbipd-go/usb"
)

var (
	configPath     string
	listenAddress  string
	listenPort     int
	maxConnections int
	requestTimeout time.Duration
	shutdownGrace  time.Duration
	helperSocket   string
	simulated      bool
	verbose        bool
)

func setupLogging() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("address") {
		cfg.ListenAddress = listenAddress
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = listenPort
	}
	if cmd.Flags().Changed("max-connections") {
		cfg.MaxConnections = maxConnections
	}
	if cmd.Flags().Changed("request-timeout") {
		cfg.RequestTimeout = requestTimeout
	}
	if cmd.Flags().Changed("shutdown-grace") {
		cfg.ShutdownGrace = shutdownGrace
	}
	if cmd.Flags().Changed("helper-socket") {
		cfg.HelperSocket = helperSocket
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func hardwareProvider() usb.Provider {
	if simulated {
		return usb.NewSimulatedProvider(
			usb.NewSimulatedDevice(1, 1),
			usb.NewSimulatedDevice(1, 2),
		)
	}
	return usb.NewGousbProvider()
}

func serve(cmd *cobra.Command, _ []string) error {
	setupLogging()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	srv, err := server.New(cfg, server.WithProvider(hardwareProvider()))
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals
	return srv.Stop()
}

func list(cmd *cobra.Command, _ []string) error {
	setupLogging()
	provider := hardwareProvider()
	defer provider.Close()
	registry := usb.NewRegistry(provider)
	devices, err := registry.Devices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no devices found")
		return nil
	}
	for _, device := range devices {
		fmt.Printf("%-8s %04x:%04x %-9s %s %s\n",
			device.BusID, device.VendorID, device.ProductID,
			device.Speed, device.Manufacturer, device.Product)
	}
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "usbipd",
		Short:        "Export local USB devices to remote clients over the USB/IP protocol",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&simulated, "simulated", false, "Use the simulated hardware backend")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the USB/IP server",
		RunE:  serve,
	}
	serveCmd.Flags().StringVar(&listenAddress, "address", "", "Interface address to bind")
	serveCmd.Flags().IntVar(&listenPort, "port", config.DefaultPort, "TCP port to listen on")
	serveCmd.Flags().IntVar(&maxConnections, "max-connections", 16, "Maximum concurrent client connections")
	serveCmd.Flags().DurationVar(&requestTimeout, "request-timeout", 5*time.Second, "Per-transfer timeout")
	serveCmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace", 10*time.Second, "Graceful shutdown bound")
	serveCmd.Flags().StringVar(&helperSocket, "helper-socket", "", "Unix socket of the privileged claim helper")
	rootCmd.AddCommand(serveCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List local USB devices visible to the server",
		RunE:  list,
	}
	rootCmd.AddCommand(listCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
