package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/solwatch/solana-filter-monitor/internal/cache"
	"github.com/solwatch/solana-filter-monitor/internal/config"
	"github.com/solwatch/solana-filter-monitor/internal/constants"
	"github.com/solwatch/solana-filter-monitor/internal/engine"
	"github.com/solwatch/solana-filter-monitor/internal/facts"
	"github.com/solwatch/solana-filter-monitor/internal/filters"
	"github.com/solwatch/solana-filter-monitor/internal/notify"
	"github.com/solwatch/solana-filter-monitor/internal/rpc"
	"github.com/solwatch/solana-filter-monitor/internal/rules"
	"github.com/solwatch/solana-filter-monitor/internal/store"
)

var (
	logger  = logrus.New()
	rpcURL  string
	cfgDir  string
	dataDir string
)

func main() {
	godotenv.Load()

	root := &cobra.Command{
		Use:           "solwatch",
		Short:         "Filter-driven Solana transaction monitor",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Default command: live monitoring, honoring HACK_SLOT replays.
			return runMonitor(cmd.Context(), "")
		},
	}
	root.PersistentFlags().StringVar(&rpcURL, "rpc-url", "", "Solana RPC URL (overrides SOLANA_RPC_URL)")
	root.PersistentFlags().StringVar(&cfgDir, "config-dir", "", "Config directory with monitors/ and alerts/")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory for collections and checkpoint")

	monitorCmd := &cobra.Command{
		Use:   "monitor [slots]",
		Short: "Replay a comma-separated or JSON-array slot list (no checkpoint updates)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slots := ""
			if len(args) > 0 {
				slots = args[0]
			}
			return runMonitor(cmd.Context(), slots)
		},
	}

	testCmd := &cobra.Command{
		Use:   "test <slot>",
		Short: "Run filters over a single slot and print matches without dispatching alerts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return usageError{fmt.Errorf("invalid slot %q", args[0])}
			}
			return runTest(cmd.Context(), slot)
		},
	}

	generateCmd := &cobra.Command{
		Use:   "generate-config <path>",
		Short: "Write an example monitor catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return generateConfig(args[0])
		},
	}

	telegramCmd := &cobra.Command{
		Use:   "telegram-setup",
		Short: "Print a Telegram credential checklist",
		Run: func(cmd *cobra.Command, args []string) {
			printTelegramSetup()
		},
	}

	root.AddCommand(monitorCmd, testCmd, generateCmd, telegramCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		logger.WithError(err).Error("exiting")
		var usage usageError
		if errors.As(err, &usage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type usageError struct{ error }

// app bundles the wired engine for one invocation.
type app struct {
	cfg        *config.Config
	client     *rpc.Client
	rulesMgr   *rules.Manager
	monitor    *engine.Monitor
	queue      *notify.Queue
	matchCache *cache.MatchCache
	mirror     *store.ClickHouseStore
	jsonl      *store.JSONLStore
}

func buildApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	if rpcURL != "" {
		cfg.RPCUrls = append([]string{rpcURL}, cfg.RPCUrls[1:]...)
	}
	if cfgDir != "" {
		cfg.ConfigDir = cfgDir
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	client, err := rpc.NewClient(rpc.ClientConfig{
		Endpoints:   cfg.RPCUrls,
		Timeout:     cfg.RPCTimeout,
		MaxFailures: cfg.MaxFailures,
		BackoffBase: constants.RPCBackoffBase,
		BackoffCap:  constants.RPCBackoffCap,
		CallBudget:  cfg.CallBudget,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	rulesMgr := rules.NewManager(cfg.ConfigDir, logger)
	if err := rulesMgr.Load(); err != nil {
		return nil, fmt.Errorf("failed to load monitor catalog: %w", err)
	}

	jsonl, err := store.NewJSONLStore(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}

	queue := notify.NewQueue(notify.QueueConfig{Logger: logger})
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		queue.Register(notify.NewTelegramSender(cfg.TelegramBotToken, cfg.TelegramChatID),
			constants.QueueCapacityPerChannel, constants.ChannelRateLimits["telegram"], notify.DropOldest)
		logger.Info("Telegram notifications enabled")
	} else {
		logger.Info("Telegram notifications disabled (credentials not set)")
	}
	if cfg.SlackWebhookURL != "" {
		queue.Register(notify.NewSlackSender(cfg.SlackWebhookURL),
			constants.QueueCapacityPerChannel, constants.ChannelRateLimits["slack"], notify.DropOldest)
		logger.Info("Slack notifications enabled")
	}
	if cfg.DiscordWebhook != "" {
		queue.Register(notify.NewDiscordSender(cfg.DiscordWebhook),
			constants.QueueCapacityPerChannel, constants.ChannelRateLimits["discord"], notify.DropOldest)
		logger.Info("Discord notifications enabled")
	}

	a := &app{cfg: cfg, client: client, rulesMgr: rulesMgr, queue: queue, jsonl: jsonl}

	var pub notify.Publisher
	if cfg.RedisAddr != "" {
		mc := cache.NewMatchCache(cfg.RedisAddr, logger)
		if err := mc.Ping(ctx); err != nil {
			logger.WithError(err).Warn("Redis unreachable, live feed disabled")
		} else {
			a.matchCache = mc
			pub = mc
		}
	}

	var mirror store.MatchStore
	if cfg.ClickHouseEnabled {
		ch, err := store.NewClickHouseStore(ctx, store.ClickHouseConfig{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUsername,
			Password: cfg.ClickHousePassword,
			Logger:   logger,
		})
		if err != nil {
			logger.WithError(err).Warn("ClickHouse unreachable, analytics mirror disabled")
		} else {
			a.mirror = ch
			mirror = ch
		}
	}

	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		Store:     jsonl,
		Mirror:    mirror,
		Publisher: pub,
		Queue:     queue,
		Logger:    logger,
	})

	extractor := facts.NewExtractor(client, logger)
	selective := filters.NewSelective(filters.DefaultSelectiveConfig())

	parallelism := cfg.MaxConcurrentSlots
	if rs := rulesMgr.RuleSet(); rs != nil && rs.MaxConcurrentSlots > 0 {
		parallelism = rs.MaxConcurrentSlots
	}

	a.monitor = engine.NewMonitor(client, rulesMgr, extractor, selective, dispatcher, engine.MonitorConfig{
		CheckpointPath:   filepath.Join(cfg.DataDir, "slot_checkpoint.json"),
		SkippedPath:      filepath.Join(cfg.DataDir, "skipped_slots.jsonl"),
		StartSlot:        cfg.StartSlot,
		Parallelism:      parallelism,
		LivePollInterval: cfg.LivePollInterval,
	}, logger)

	return a, nil
}

func (a *app) close() {
	if a.jsonl != nil {
		_ = a.jsonl.Close()
	}
	if a.mirror != nil {
		_ = a.mirror.Close()
	}
	if a.matchCache != nil {
		_ = a.matchCache.Close()
	}
}

// parseSlots accepts "1,2,3" or a JSON array like "[1,2,3]".
func parseSlots(raw string) ([]uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	if strings.HasPrefix(raw, "[") {
		var slots []uint64
		if err := json.Unmarshal([]byte(raw), &slots); err != nil {
			return nil, fmt.Errorf("invalid slot array: %w", err)
		}
		return slots, nil
	}

	var slots []uint64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		slot, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid slot %q", part)
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

func runMonitor(ctx context.Context, slotsArg string) error {
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if slotsArg == "" {
		slotsArg = a.cfg.HackSlots
	}
	slots, err := parseSlots(slotsArg)
	if err != nil {
		return usageError{err}
	}

	a.queue.Start(ctx)

	if len(slots) > 0 {
		logger.WithField("slots", len(slots)).Info("🔍 replaying slot list")
		return a.monitor.ReplaySlots(ctx, slots)
	}

	// Hot reload runs alongside the engine; a failed reload keeps the
	// previous ruleset.
	go func() {
		if err := a.rulesMgr.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Warn("config watcher stopped")
		}
	}()

	logger.Info("📡 starting live slot monitoring")
	return a.monitor.Run(ctx)
}

func runTest(ctx context.Context, slot uint64) error {
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	matches, filtered, err := a.monitor.EvaluateSlot(ctx, slot)
	if err != nil {
		return err
	}
	if filtered {
		fmt.Printf("slot %d: filtered out before extraction\n", slot)
		return nil
	}
	if len(matches) == 0 {
		fmt.Printf("slot %d: no matches\n", slot)
		return nil
	}

	fmt.Printf("slot %d: %d match(es)\n", slot, len(matches))
	for _, m := range matches {
		fmt.Printf("  %-28s %-8s tx=%s amount=%s fired=%s\n",
			m.MonitorID, m.Severity, m.Tx.Signature, m.Amount, strings.Join(m.FiredConditions, "; "))
	}
	return nil
}

func printTelegramSetup() {
	fmt.Println("Telegram setup checklist:")
	fmt.Println("  1. Open a chat with @BotFather and send /newbot")
	fmt.Println("  2. Save the bot token it replies with as TELEGRAM_BOT_TOKEN")
	fmt.Println("  3. Add the bot to your alert group or start a direct chat")
	fmt.Println("  4. Send any message, then open:")
	fmt.Println("     https://api.telegram.org/bot<TOKEN>/getUpdates")
	fmt.Println("  5. Save the chat.id from the response as TELEGRAM_CHAT_ID")
	fmt.Println("  6. Export both variables (or put them in .env) and restart")
}
