package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/chipline-gateway/internal/gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the gateway that:
- Connects to every configured station controller over TCP
- Maps each received frame onto the station's wide telemetry table
- Persists frames through a single writer in arrival order
- Optionally publishes telemetry and disconnect events to RabbitMQ
- Serves Prometheus metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("db-driver", "postgres", "database driver (postgres, sqlite)")
	serveCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	serveCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	serveCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	serveCmd.Flags().String("db-password", "", "PostgreSQL password")
	serveCmd.Flags().String("db-name", "chipline", "PostgreSQL database name")
	serveCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	serveCmd.Flags().String("db-path", "chipline.db", "SQLite database file")
	serveCmd.Flags().Duration("dial-timeout", gateway.DefaultDialTimeout, "timeout for connecting to a controller")
	serveCmd.Flags().Duration("poll-interval", gateway.DefaultPollInterval, "read poll interval of device sessions")
	serveCmd.Flags().String("framing", string(gateway.FramingJSON), "frame splitting (json, read)")
	serveCmd.Flags().Int("max-frame-size", gateway.DefaultMaxFrameSize, "largest accepted frame in bytes")
	serveCmd.Flags().Int("queue-capacity", 0, "ingestion queue bound, 0 for unbounded")
	serveCmd.Flags().String("rabbitmq-url", "", "RabbitMQ URL for the event stream (disabled when empty)")
	serveCmd.Flags().String("events-queue", "chipline-events", "RabbitMQ queue name for gateway events")
	serveCmd.Flags().String("metrics-addr", ":9102", "address of the /metrics endpoint (disabled when empty)")
	serveCmd.Flags().Bool("connect-all", true, "connect every configured device on start")

	_ = viper.BindPFlag("db.driver", serveCmd.Flags().Lookup("db-driver"))
	_ = viper.BindPFlag("db.host", serveCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("db.port", serveCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("db.user", serveCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("db.password", serveCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("db.name", serveCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("db.sslmode", serveCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("db.path", serveCmd.Flags().Lookup("db-path"))
	_ = viper.BindPFlag("gateway.dial_timeout", serveCmd.Flags().Lookup("dial-timeout"))
	_ = viper.BindPFlag("gateway.poll_interval", serveCmd.Flags().Lookup("poll-interval"))
	_ = viper.BindPFlag("gateway.framing", serveCmd.Flags().Lookup("framing"))
	_ = viper.BindPFlag("gateway.max_frame_size", serveCmd.Flags().Lookup("max-frame-size"))
	_ = viper.BindPFlag("gateway.connect_all", serveCmd.Flags().Lookup("connect-all"))
	_ = viper.BindPFlag("queue.capacity", serveCmd.Flags().Lookup("queue-capacity"))
	_ = viper.BindPFlag("events.rabbitmq.url", serveCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("events.rabbitmq.queue", serveCmd.Flags().Lookup("events-queue"))
	_ = viper.BindPFlag("metrics.addr", serveCmd.Flags().Lookup("metrics-addr"))
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting gateway service")

	devices, err := GetDevices()
	if err != nil {
		logger.Error("invalid device configuration", "error", err)
		return err
	}

	config := &gateway.ServerConfig{
		Logger:        logger,
		DB:            GetDBConfig(logger),
		Devices:       devices,
		ConnectAll:    viper.GetBool("gateway.connect_all"),
		DialTimeout:   viper.GetDuration("gateway.dial_timeout"),
		PollInterval:  viper.GetDuration("gateway.poll_interval"),
		Framing:       gateway.FramingMode(viper.GetString("gateway.framing")),
		MaxFrameSize:  viper.GetInt("gateway.max_frame_size"),
		QueueCapacity: viper.GetInt("queue.capacity"),
		RabbitMQURL:   viper.GetString("events.rabbitmq.url"),
		EventsQueue:   viper.GetString("events.rabbitmq.queue"),
		MetricsAddr:   viper.GetString("metrics.addr"),
	}

	server, err := gateway.NewServer(config)
	if err != nil {
		logger.Error("failed to create gateway server", "error", err)
		return err
	}

	logger.Info("gateway server configuration",
		"db_driver", config.DB.Driver,
		"db_host", config.DB.Host,
		"db_name", config.DB.DBName,
		"devices", len(devices),
		"framing", config.Framing,
		"queue_capacity", config.QueueCapacity,
		"events_enabled", config.RabbitMQURL != "",
		"metrics_addr", config.MetricsAddr,
	)

	start := time.Now()
	if err := server.Run(context.Background()); err != nil {
		logger.Error("gateway server error", "error", err)
		return err
	}

	logger.Info("gateway server stopped", "uptime", time.Since(start).Round(time.Second))
	return nil
}
