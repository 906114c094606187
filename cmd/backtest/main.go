package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mExOms/ashare-backtest/internal/backtest"
	"github.com/mExOms/ashare-backtest/internal/marketdata"
	"github.com/mExOms/ashare-backtest/internal/strategies/matrend"
	"github.com/mExOms/ashare-backtest/pkg/bus"
)

var (
	configFile string
	dataPath   string
	startDate  string
	endDate    string
	capital    float64
	maxSymbols int
	natsURL    string
	logLevel   string
	jsonLogs   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "backtest",
		Short: "A-share strategy backtester",
		Long: `backtest runs event-driven daily backtests of A-share strategies:
per-day mark-to-market, risk-limit forced sells, strategy signals, A-share
rule enforcement (price limits, lot sizes, fees), and performance reporting.`,
		RunE: runBacktest,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./backtest.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataPath, "data", "", "sqlite bar database (empty = synthetic demo data)")
	rootCmd.PersistentFlags().StringVar(&startDate, "start", "", "start date (YYYY-MM-DD)")
	rootCmd.PersistentFlags().StringVar(&endDate, "end", "", "end date (YYYY-MM-DD)")
	rootCmd.PersistentFlags().Float64Var(&capital, "capital", 0, "initial cash")
	rootCmd.PersistentFlags().IntVar(&maxSymbols, "max-symbols", 50, "maximum symbols to load")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats", "", "NATS URL for realtime updates (empty = disabled)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON logs")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBacktest(cmd *cobra.Command, args []string) error {
	setupLogging()
	logger := logrus.WithField("component", "main")

	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dataManager, cleanup, err := openDataManager(config)
	if err != nil {
		return fmt.Errorf("open data manager: %w", err)
	}
	defer cleanup()

	engine, err := backtest.NewEngine(config, dataManager)
	if err != nil {
		return err
	}

	strategy := matrend.New(matrend.DefaultParams())
	if err := engine.SetStrategy(strategy); err != nil {
		return err
	}

	var busClient *bus.Client
	if natsURL != "" {
		busClient, err = bus.NewClient(&bus.Config{URL: natsURL, ClientID: "backtest-" + engine.RunID()})
		if err != nil {
			return fmt.Errorf("connect NATS: %w", err)
		}
		defer busClient.Close()
		engine.SetRealtimeCallback(realtimeEmitter(busClient, engine.RunID()))
		logger.WithField("url", natsURL).Info("realtime updates enabled")
	}

	ctx := context.Background()
	if err := engine.LoadData(ctx, nil, maxSymbols); err != nil {
		return err
	}

	result, err := engine.Run()
	if err != nil {
		return err
	}

	if busClient != nil {
		done := &bus.RunDoneMessage{
			RunID:       result.RunID,
			TotalReturn: result.Performance.Basic.TotalReturn,
			MaxDrawdown: result.Performance.Basic.MaxDrawdown,
			TotalTrades: result.Trading.TotalTrades,
			OutputDir:   result.OutputDir,
		}
		if err := busClient.PublishRunDone(done); err != nil {
			logger.WithError(err).Warn("publish run-done failed")
		}
		busClient.Flush()
	}

	printSummary(result)
	return nil
}

func setupLogging() {
	if jsonLogs {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

// loadConfig merges defaults, the optional config file, env overrides, and
// command-line flags, most specific last.
func loadConfig() (backtest.Config, error) {
	config := backtest.DefaultConfig()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("backtest")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
	}

	if err := viper.ReadInConfig(); err == nil {
		if err := viper.Unmarshal(&config); err != nil {
			return config, fmt.Errorf("unmarshal config: %w", err)
		}
		logrus.WithField("file", viper.ConfigFileUsed()).Info("config loaded")
	} else if configFile != "" {
		return config, err
	}

	if v := os.Getenv("INITIAL_CASH"); v != "" {
		fmt.Sscanf(v, "%f", &config.InitialCash)
	}
	if v := os.Getenv("START_DATE"); v != "" {
		config.StartDate = v
	}
	if v := os.Getenv("END_DATE"); v != "" {
		config.EndDate = v
	}

	if startDate != "" {
		config.StartDate = startDate
	}
	if endDate != "" {
		config.EndDate = endDate
	}
	if capital > 0 {
		config.InitialCash = capital
	}

	return config, config.Validate()
}

// openDataManager picks the sqlite store when a bar database is configured
// and falls back to the seeded synthetic provider otherwise.
func openDataManager(config backtest.Config) (marketdata.Manager, func(), error) {
	if dataPath == "" {
		logrus.Info("no bar database configured, using synthetic demo data")
		return marketdata.NewSyntheticManager(config.Seed), func() {}, nil
	}
	store, err := marketdata.OpenSQLiteStore(dataPath, config.Seed)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

// realtimeEmitter adapts engine day updates onto the bus. Publish failures
// are logged and dropped; the emitter never disturbs the run.
func realtimeEmitter(client *bus.Client, runID string) backtest.RealtimeCallback {
	logger := logrus.WithField("component", "realtime-emitter")
	return func(update backtest.RealtimeUpdate) {
		totalValue, _ := update.Snapshot.TotalValue.Float64()
		cash, _ := update.Snapshot.Cash.Float64()
		positionsValue, _ := update.Snapshot.PositionsValue.Float64()

		msg := &bus.DayUpdateMessage{
			RunID:            runID,
			Date:             update.Date,
			TotalValue:       totalValue,
			Cash:             cash,
			PositionsValue:   positionsValue,
			PositionCount:    update.Snapshot.PositionCount,
			DailyReturn:      update.Snapshot.DailyReturn,
			CumulativeReturn: update.Snapshot.CumulativeReturn,
			Drawdown:         update.Snapshot.Drawdown,
		}
		for _, t := range update.RecentTrades {
			price, _ := t.Price.Float64()
			msg.RecentTrades = append(msg.RecentTrades, bus.TradeMessage{
				Date:     t.TradeDate,
				Symbol:   t.Symbol,
				Side:     t.Side,
				Price:    price,
				Quantity: t.Quantity,
				Value:    price * float64(t.Quantity),
			})
		}
		if err := client.PublishDayUpdate(msg); err != nil {
			logger.WithError(err).Warn("day update dropped")
		}
	}
}

func printSummary(result *backtest.Result) {
	basic := result.Performance.Basic
	fmt.Printf("\nBacktest %s complete\n", result.RunID)
	fmt.Printf("  Strategy:       %s\n", result.StrategyInfo.Name)
	fmt.Printf("  Period:         %s ~ %s (%d trading days)\n", result.Config.StartDate, result.Config.EndDate, result.TradingDays)
	fmt.Printf("  Total return:   %.2f%%\n", basic.TotalReturn*100)
	fmt.Printf("  Annual return:  %.2f%%\n", basic.AnnualReturn*100)
	fmt.Printf("  Sharpe ratio:   %.2f\n", basic.SharpeRatio)
	fmt.Printf("  Max drawdown:   %.2f%%\n", basic.MaxDrawdown*100)
	fmt.Printf("  Trades:         %d\n", result.Trading.TotalTrades)
	if result.OutputDir != "" {
		fmt.Printf("  Artifacts:      %s\n", result.OutputDir)
	}
}
