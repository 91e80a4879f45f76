package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/chipline-gateway/internal/simulator"
	"procodus.dev/chipline-gateway/pkg/metrics"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run simulated station controllers",
	Long: `Run mock station controllers that:
- Accept the gateway on a TCP address per station
- Stream synthetic station frames at a fixed interval
- Roll lots over and raise occasional alarms

A single station is configured with --unit and --listen; a line is
configured with the simulator.stations list in the config file.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().String("unit", "U2", "unit code of the simulated station (U1..U7)")
	simulateCmd.Flags().String("listen", "127.0.0.1:5000", "TCP address to accept the gateway on")
	simulateCmd.Flags().Duration("interval", time.Second, "interval between frames")
	simulateCmd.Flags().Int("lot-size", 0, "chips per lot (0 uses the default)")
	simulateCmd.Flags().Float64("alarm-rate", 0.05, "probability that a frame carries an alarm")
	simulateCmd.Flags().Uint64("seed", 0, "random seed, 0 for a random stream")
	simulateCmd.Flags().String("metrics-addr", "", "address of the /metrics endpoint (disabled when empty)")

	_ = viper.BindPFlag("simulator.unit", simulateCmd.Flags().Lookup("unit"))
	_ = viper.BindPFlag("simulator.listen", simulateCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("simulator.interval", simulateCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("simulator.lot_size", simulateCmd.Flags().Lookup("lot-size"))
	_ = viper.BindPFlag("simulator.alarm_rate", simulateCmd.Flags().Lookup("alarm-rate"))
	_ = viper.BindPFlag("simulator.seed", simulateCmd.Flags().Lookup("seed"))
	_ = viper.BindPFlag("simulator.metrics_addr", simulateCmd.Flags().Lookup("metrics-addr"))
}

func runSimulate(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting simulator")

	var stations []simulator.StationConfig
	if err := viper.UnmarshalKey("simulator.stations", &stations); err != nil {
		return fmt.Errorf("failed to read station list: %w", err)
	}
	if len(stations) == 0 {
		stations = []simulator.StationConfig{{
			Code:   viper.GetString("simulator.unit"),
			Listen: viper.GetString("simulator.listen"),
		}}
	}

	config := &simulator.ServerConfig{
		Logger:    logger,
		Stations:  stations,
		Interval:  viper.GetDuration("simulator.interval"),
		LotSize:   viper.GetInt("simulator.lot_size"),
		AlarmRate: viper.GetFloat64("simulator.alarm_rate"),
		Seed:      viper.GetUint64("simulator.seed"),
		Metrics:   metrics.NewSimulatorMetrics(metrics.Namespace, nil),
	}

	server, err := simulator.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator", "error", err)
		return err
	}

	logger.Info("simulator configuration",
		"stations", len(stations),
		"addresses", server.Addrs(),
		"interval", config.Interval,
		"seed", config.Seed,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if addr := viper.GetString("simulator.metrics_addr"); addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, logger); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	if err := server.Run(ctx); err != nil {
		logger.Error("simulator error", "error", err)
		return err
	}

	logger.Info("simulator stopped")
	return nil
}
