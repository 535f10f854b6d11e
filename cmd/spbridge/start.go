package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/spbridge/spbridge/internal/logger"
	"github.com/spbridge/spbridge/internal/relay"
)

var (
	configFile string

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the spbridge relay",
		Long:  "Start the relay: connect the enabled platforms and serve webhook and file routes",
		Run: func(cmd *cobra.Command, args []string) {
			config, err := relay.LoadConfig(configFile)
			if err != nil {
				log.Fatalf("Failed to load config: %v", err)
			}

			fmt.Printf("Starting spbridge with config: %s\n", configFile)
			fmt.Printf("HTTP port: %d\n", config.Server.Port)
			fmt.Printf("Public URL: %s\n", config.Server.WebURL)

			logConfig := logger.Config{
				Level:        config.Logging.Level,
				File:         config.Logging.File,
				MaxSize:      config.Logging.MaxSize,
				MaxBackups:   config.Logging.MaxBackups,
				MaxAge:       config.Logging.MaxAge,
				Compress:     config.Logging.Compress,
				EnableStdout: config.Logging.EnableStdout,
			}
			if err := logger.InitLogger(logConfig); err != nil {
				log.Fatalf("Failed to initialize logger: %v", err)
			}

			logger.WithFields(logrus.Fields{
				"config_file": configFile,
				"log_level":   config.Logging.Level,
				"log_file":    config.Logging.File,
			}).Info("Logger initialized")

			adapters, err := relay.BuildAdapters(config)
			if err != nil {
				log.Fatalf("Failed to build platform adapters: %v", err)
			}
			for tag := range adapters {
				log.Printf("Registered %s platform adapter", tag)
			}

			factory, err := relay.BuildFactory(config)
			if err != nil {
				log.Fatalf("Failed to build backend clients: %v", err)
			}

			engine := relay.NewEngine(config, adapters, relay.FactoryFinder{Factory: factory})
			factory.SetHandler(engine.HandleBackendEvent)

			if err := engine.Start(); err != nil {
				log.Fatalf("Failed to start relay engine: %v", err)
			}

			server := relay.NewServer(config, engine)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			serverErrChan := make(chan error, 1)
			go func() {
				fmt.Println("\nspbridge relay started")
				fmt.Println("Press Ctrl+C to stop")
				serverErrChan <- server.ListenAndServe()
			}()

			select {
			case sig := <-sigChan:
				log.Printf("\nReceived signal: %v, shutting down gracefully...", sig)
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
				engine.Stop()
			case err := <-serverErrChan:
				if err != nil {
					log.Fatalf("Server error: %v", err)
				}
			}

			log.Println("spbridge stopped")
		},
	}
)

func init() {
	startCmd.Flags().StringVarP(&configFile, "config", "c", "config.yaml", "Configuration file path")
}
