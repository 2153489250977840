package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vitos/delta_neutral/internal/config"
	"github.com/vitos/delta_neutral/internal/controller"
	"github.com/vitos/delta_neutral/internal/domain"
	"github.com/vitos/delta_neutral/internal/engine"
	"github.com/vitos/delta_neutral/internal/hedger"
	"github.com/vitos/delta_neutral/internal/infrastructure/exchange"
	"github.com/vitos/delta_neutral/internal/infrastructure/logger"
	"github.com/vitos/delta_neutral/internal/infrastructure/storage"
	"github.com/vitos/delta_neutral/internal/safety"
	"github.com/vitos/delta_neutral/internal/web"
)

const (
	exitOK     = 0
	exitError  = 1
	exitSafety = 2
)

var (
	configPath string
	liveFlag   bool
	modeFlag   string
	instrFlag  string
)

func main() {
	root := &cobra.Command{
		Use:           "deltactl",
		Short:         "Delta-neutral cross-venue trading controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "path to the yaml config")
	root.PersistentFlags().BoolVar(&liveFlag, "live", false, "allow real orders (also requires "+safety.ConfirmEnvVar+"=1)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the continuous rebalancing controller",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runController())
		},
	}
	runCmd.Flags().StringVar(&modeFlag, "mode", "", "override the configured mode (observe|auto)")

	enterCmd := &cobra.Command{
		Use:   "enter",
		Short: "Open a hedged position chunk by chunk",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runHedged(hedger.ActionOpen))
		},
	}
	closeCmd := &cobra.Command{
		Use:   "close",
		Short: "Unwind the hedged position on both venues",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runHedged(hedger.ActionClose))
		},
	}
	for _, c := range []*cobra.Command{enterCmd, closeCmd} {
		c.Flags().StringVar(&instrFlag, "instrument", "", "logical instrument symbol (defaults to the first configured)")
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print balances, positions and net delta once",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runStatus())
		},
	}

	root.AddCommand(runCmd, enterCmd, closeCmd, statusCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitError)
	}
}

// bootstrap loads config, logger, storage and both initialized adapters.
func bootstrap() (*config.Config, *zap.Logger, *storage.SQLiteStore, domain.Adapter, domain.Adapter, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("init sqlite: %w", err)
	}

	primary, err := exchange.Build(cfg.PrimaryVenue, cfg.Instruments, log)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	secondary, err := exchange.Build(cfg.SecondaryVenue, cfg.Instruments, log)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, adapter := range []domain.Adapter{primary, secondary} {
		if err := adapter.Initialize(ctx); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("initialize %s: %w", adapter.Name(), err)
		}
	}

	return cfg, log, store, primary, secondary, nil
}

func runController() int {
	cfg, log, store, primary, secondary, err := bootstrap()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	defer log.Sync()
	defer store.Close()

	if modeFlag != "" {
		cfg.Mode = config.Mode(modeFlag)
		if cfg.Mode != config.ModeObserve && cfg.Mode != config.ModeAuto {
			fmt.Fprintf(os.Stderr, "invalid --mode %q: must be observe or auto\n", modeFlag)
			return exitError
		}
	}

	// Auto mode places real orders and must pass the safety gate; observe
	// mode never places anything and needs no confirmation.
	if cfg.Mode == config.ModeAuto {
		live, err := safety.RequireLiveConfirmation(liveFlag, "auto rebalancing")
		if err != nil {
			log.Error("Live trading blocked", zap.Error(err))
			return exitSafety
		}
		if !live {
			log.Warn("Auto mode without --live, downgrading to observe")
			cfg.Mode = config.ModeObserve
		}
	}

	eng := engine.NewDeltaEngine(cfg.Risk, cfg.Mode == config.ModeObserve, cfg.PriceOffsetPct, log)
	ctrl := controller.New(cfg, eng, primary, secondary, store, log)

	server := web.NewServer(cfg.Server.Port, ctrl, primary, secondary, store, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Error("Web server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("Shutdown signal received")
		ctrl.Stop()
	}()

	err = ctrl.Run(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Controller exited with error", zap.Error(err))
		return exitError
	}
	return exitOK
}

func runHedged(action hedger.Action) int {
	cfg, log, store, primary, secondary, err := bootstrap()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	defer log.Sync()
	defer store.Close()
	defer primary.Close()
	defer secondary.Close()

	// Both legs place real orders; there is no dry variant of this command.
	live, err := safety.RequireLiveConfirmation(liveFlag, string(action)+" hedged position")
	if err != nil {
		log.Error("Live trading blocked", zap.Error(err))
		return exitSafety
	}
	if !live {
		log.Error("This command places real orders: pass --live and set " + safety.ConfirmEnvVar + "=1")
		return exitSafety
	}

	instrument := instrFlag
	if instrument == "" {
		instrument = cfg.Instruments[0].Symbol
	}
	if _, ok := cfg.Instrument(instrument); !ok {
		log.Error("Unknown instrument", zap.String("instrument", instrument))
		return exitError
	}

	h := hedger.New(primary, secondary, cfg.Entry, instrument, store, log)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		h.RequestStop()
	}()

	var result *hedger.Result
	if action == hedger.ActionOpen {
		result, err = h.Open(context.Background())
	} else {
		result, err = h.Close(context.Background())
	}

	if result != nil {
		log.Info("Run result",
			zap.String("action", string(result.Action)),
			zap.Float64("total_filled", result.TotalFilled),
			zap.Float64("final_primary", result.FinalPrimary),
			zap.Float64("final_secondary", result.FinalSecondary),
			zap.Float64("pnl", result.CloseEquity-result.OpenEquity))
	}
	if err != nil {
		if errors.Is(err, hedger.ErrUnwindFailed) {
			log.Error("CRITICAL: one-sided exposure remains, manual intervention required", zap.Error(err))
		} else {
			log.Error("Hedged run failed", zap.Error(err))
		}
		return exitError
	}
	return exitOK
}

func runStatus() int {
	cfg, log, store, primary, secondary, err := bootstrap()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	defer log.Sync()
	defer store.Close()
	defer primary.Close()
	defer secondary.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	type venueStatus struct {
		Exchange string                    `json:"exchange"`
		Balance  domain.NormalizedBalance  `json:"balance"`
		Position domain.NormalizedPosition `json:"position"`
	}
	type instrumentStatus struct {
		Instrument  string        `json:"instrument"`
		NetDelta    float64       `json:"net_delta"`
		NetDeltaUSD float64       `json:"net_delta_usd"`
		Venues      []venueStatus `json:"venues"`
	}

	var out []instrumentStatus
	for _, inst := range cfg.Instruments {
		status := instrumentStatus{Instrument: inst.Symbol}
		snapshot := domain.DeltaSnapshot{Instrument: inst.Symbol}

		for i, adapter := range []domain.Adapter{primary, secondary} {
			bal, err := adapter.GetBalance(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s balance: %v\n", adapter.Name(), err)
				return exitError
			}
			pos, err := adapter.GetPosition(ctx, inst.Symbol)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s position: %v\n", adapter.Name(), err)
				return exitError
			}
			ref, err := adapter.GetReferencePrice(ctx, inst.Symbol)
			if err != nil {
				ref = 0
			}

			state := domain.ExchangeState{
				Exchange:       adapter.Name(),
				Instrument:     inst.Symbol,
				Balance:        bal,
				Position:       pos,
				ReferencePrice: ref,
				Timestamp:      time.Now(),
			}
			if i == 0 {
				snapshot.PrimaryState = state
			} else {
				snapshot.SecondaryState = state
			}
			status.Venues = append(status.Venues, venueStatus{
				Exchange: adapter.Name(),
				Balance:  bal,
				Position: pos,
			})
		}

		status.NetDelta = snapshot.NetDelta()
		status.NetDeltaUSD = snapshot.NetDeltaUSD()
		out = append(out, status)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	return exitOK
}
