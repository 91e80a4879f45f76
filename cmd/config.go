package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"procodus.dev/chipline-gateway/internal/gateway"
	"procodus.dev/chipline-gateway/internal/store"
	"procodus.dev/chipline-gateway/pkg/logger"
)

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml) and environment variables.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/chipline-gateway/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// CHIPLINE_GATEWAY_DB_PASSWORD overrides db.password, and so on.
	viper.SetEnvPrefix("CHIPLINE_GATEWAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			// Config file not found; rely on env vars and defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates a slog.Logger based on configuration.
func GetLogger() *slog.Logger {
	return logger.New(&logger.Config{
		Output: os.Stdout,
		Level:  logger.ParseLevel(viper.GetString("log.level")),
		Format: viper.GetString("log.format"),
	})
}

// GetDBConfig builds the database configuration from the db.* keys.
func GetDBConfig(log *slog.Logger) *store.DBConfig {
	return &store.DBConfig{
		Logger:   log,
		Driver:   viper.GetString("db.driver"),
		Host:     viper.GetString("db.host"),
		Port:     viper.GetInt("db.port"),
		User:     viper.GetString("db.user"),
		Password: viper.GetString("db.password"),
		DBName:   viper.GetString("db.name"),
		SSLMode:  viper.GetString("db.sslmode"),
		Path:     viper.GetString("db.path"),
	}
}

// GetDevices loads the station controller list from the devices key.
func GetDevices() ([]gateway.DeviceEndpoint, error) {
	var devices []gateway.DeviceEndpoint
	if err := viper.UnmarshalKey("devices", &devices); err != nil {
		return nil, fmt.Errorf("failed to read device list: %w", err)
	}

	for _, d := range devices {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	return devices, nil
}
