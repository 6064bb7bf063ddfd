// Command tallybot runs the chat bot: it connects the configured transports,
// routes their events through the per-channel dispatcher, and serves the
// diagnostics API. State survives restarts via the sqlite checkpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tallybot/tallybot/pkg/api"
	"github.com/tallybot/tallybot/pkg/app"
	"github.com/tallybot/tallybot/pkg/config"
	"github.com/tallybot/tallybot/pkg/dispatch"
	"github.com/tallybot/tallybot/pkg/domain"
	"github.com/tallybot/tallybot/pkg/events"
	"github.com/tallybot/tallybot/pkg/gateway"
	"github.com/tallybot/tallybot/pkg/gateway/console"
	"github.com/tallybot/tallybot/pkg/gateway/discord"
	"github.com/tallybot/tallybot/pkg/gateway/telegram"
	"github.com/tallybot/tallybot/pkg/infrastructure/checkpoint"
	"github.com/tallybot/tallybot/pkg/infrastructure/eventbus"
	"github.com/tallybot/tallybot/pkg/logger"
	"github.com/tallybot/tallybot/pkg/provider"
	"github.com/tallybot/tallybot/pkg/scheduler"
	"github.com/tallybot/tallybot/pkg/session"
)

// drainTimeout bounds how long shutdown waits for queued events to finish.
const drainTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "config file (default "+config.DefaultPath()+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tallybot:", err)
		return 1
	}
	if err := logger.Setup(cfg.Log.Level); err != nil {
		fmt.Fprintln(os.Stderr, "tallybot:", err)
		return 1
	}
	defer logger.Sync()
	if err := cfg.Validate(); err != nil {
		logger.ErrorCF("main", "invalid configuration", map[string]interface{}{
			"error": err.Error(),
		})
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.New()
	defer bus.Close()

	store := session.NewStore(cfg.History.Limit)
	registry := gateway.NewRegistry()
	transports, err := buildTransports(cfg, registry)
	if err != nil {
		logger.ErrorCF("main", "transport setup failed", map[string]interface{}{
			"error": err.Error(),
		})
		return 1
	}

	dispatcher := dispatch.New(
		dispatch.WithSelf(selfResolver(cfg, registry)),
		dispatch.WithFilter(buildFilter(cfg)),
		dispatch.WithBus(bus),
	)
	if err := registerHandlers(cfg, dispatcher, store, registry, bus); err != nil {
		logger.ErrorCF("main", "handler setup failed", map[string]interface{}{
			"error": err.Error(),
		})
		return 1
	}

	// The checkpoint writer gets its own context: it must keep running while
	// the dispatcher drains so the final flush sees the drained state.
	stopWriter := func() {}
	if cfg.Checkpoint.Path != "" {
		db, err := checkpoint.Open(cfg.Checkpoint.Path)
		if err != nil {
			logger.ErrorCF("main", "checkpoint open failed", map[string]interface{}{
				"path":  cfg.Checkpoint.Path,
				"error": err.Error(),
			})
			return 1
		}
		defer db.Close()

		snaps, err := db.LoadAll()
		if err != nil {
			logger.ErrorCF("main", "checkpoint restore failed", map[string]interface{}{
				"error": err.Error(),
			})
			return 1
		}
		store.Merge(snaps)
		logger.InfoCF("main", "checkpoint restored", map[string]interface{}{
			"path":     cfg.Checkpoint.Path,
			"channels": len(snaps),
		})

		writer := checkpoint.NewWriter(db, store, cfg.Checkpoint.Every.Duration)
		writer.Attach(bus)
		writerCtx, cancelWriter := context.WithCancel(context.Background())
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			writer.Run(writerCtx)
		}()
		stopWriter = func() {
			cancelWriter()
			<-writerDone
		}
	}

	sched := scheduler.New(func(ctx context.Context, evt events.Event) error {
		return dispatcher.Dispatch(evt)
	})
	if cfg.Counting.Enabled && cfg.Counting.Autopost.Cron != "" {
		for _, key := range cfg.Counting.Autopost.Channels {
			origin, channelID, ok := events.SplitKey(key)
			if !ok {
				continue
			}
			if err := sched.Add(scheduler.Entry{
				Rule:      cfg.Counting.Autopost.Cron,
				Origin:    origin,
				ChannelID: channelID,
			}); err != nil {
				logger.ErrorCF("main", "autopost entry rejected", map[string]interface{}{
					"channel": key,
					"error":   err.Error(),
				})
				return 1
			}
		}
	}
	if sched.Len() > 0 {
		go sched.Run(ctx)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(api.Config{
			Addr:       cfg.API.Addr,
			Token:      cfg.API.Token,
			Dispatcher: dispatcher,
			Store:      store,
			Registry:   registry,
			Scheduler:  sched,
			Bus:        bus,
		})
		if err := apiServer.Start(ctx); err != nil {
			logger.ErrorCF("main", "api server failed", map[string]interface{}{
				"addr":  cfg.API.Addr,
				"error": err.Error(),
			})
			return 1
		}
	}

	// Transport streams. Dispatch errors are already counted and logged by
	// the dispatcher, so emit drops them; a Run error is fatal for the whole
	// process per the crash-over-limp policy.
	emit := func(evt events.Event) {
		_ = dispatcher.Dispatch(evt)
	}
	fatal := make(chan error, len(transports))
	var streams sync.WaitGroup
	for _, t := range transports {
		streams.Add(1)
		go func(t gateway.Transport) {
			defer streams.Done()
			origin := string(t.Origin())
			bus.Publish(domain.NewEvent(domain.EventChannelConnected, domain.EntityID(origin), domain.Metadata{
				"origin": origin,
			}))
			err := t.Run(ctx, emit)
			bus.Publish(domain.NewEvent(domain.EventChannelDisconnected, domain.EntityID(origin), domain.Metadata{
				"origin": origin,
			}))
			if err != nil {
				fatal <- err
			}
		}(t)
	}

	logger.InfoCF("main", "tallybot running", map[string]interface{}{
		"origins":  len(registry.Origins()),
		"counting": cfg.Counting.Enabled,
		"api":      cfg.API.Enabled,
	})

	exit := 0
	select {
	case <-ctx.Done():
		logger.InfoC("main", "shutdown signal received")
	case err := <-fatal:
		logger.ErrorCF("main", "gateway stream failed", map[string]interface{}{
			"error": err.Error(),
		})
		exit = 1
	}

	// Ordered shutdown: stop intake, drain queued events, flush the
	// checkpoint, then take down the diagnostics surface.
	stop()
	streams.Wait()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := dispatcher.Close(drainCtx); err != nil {
		logger.WarnCF("main", "dispatch drain incomplete", map[string]interface{}{
			"error": err.Error(),
		})
	}

	stopWriter()

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.WarnCF("main", "api shutdown failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	logger.InfoC("main", "shutdown complete")
	return exit
}

// buildTransports constructs every configured transport and registers it. A
// token doubles as the enable switch for the network origins.
func buildTransports(cfg *config.Config, registry *gateway.Registry) ([]gateway.Transport, error) {
	var out []gateway.Transport

	if cfg.Channels.Discord.Token != "" {
		t, err := discord.New(cfg.Channels.Discord.Token)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		out = append(out, t)
	}
	if cfg.Channels.Telegram.Token != "" {
		t, err := telegram.New(cfg.Channels.Telegram.Token)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		out = append(out, t)
	}
	if cfg.Channels.Console.Enabled {
		out = append(out, console.New(cfg.Channels.Console.Prompt))
	}

	for _, t := range out {
		if err := registry.Add(t); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// buildFilter translates the monitor lists and the per-origin author
// allow-lists into the dispatcher's inbound filter.
func buildFilter(cfg *config.Config) *dispatch.Filter {
	f := dispatch.NewFilter()
	for _, key := range cfg.Monitor.Channels {
		if origin, id, ok := events.SplitKey(key); ok {
			f.AllowChannels(origin, id)
		}
	}
	for _, key := range cfg.Monitor.Guilds {
		if origin, id, ok := events.SplitKey(key); ok {
			f.AllowGuilds(origin, id)
		}
	}
	f.AllowAuthors(events.OriginDiscord, cfg.Channels.Discord.AllowFrom...)
	f.AllowAuthors(events.OriginTelegram, cfg.Channels.Telegram.AllowFrom...)
	return f
}

// selfResolver prefers the live transport identity and falls back to the
// configured self_id for origins that cannot report one.
func selfResolver(cfg *config.Config, registry *gateway.Registry) dispatch.SelfFunc {
	return func(origin events.Origin) string {
		if id := registry.SelfID(origin); id != "" {
			return id
		}
		return cfg.SelfID
	}
}

// buildCompleter assembles the default provider's backend. Without
// credentials it returns nil and the bot runs with the responder disabled.
func buildCompleter(cfg *config.Config) (provider.Completer, error) {
	kind := cfg.Providers.Default
	settings := cfg.Providers.OpenAI
	if kind == provider.KindAnthropic {
		settings = cfg.Providers.Anthropic
	}
	if settings.APIKey == "" && settings.APIBase == "" {
		return nil, nil
	}
	return provider.New(provider.Settings{
		Kind:      kind,
		APIKey:    settings.APIKey,
		BaseURL:   settings.APIBase,
		Model:     settings.Model,
		MaxTokens: cfg.Respond.MaxTokens,
	})
}

// registerHandlers binds the application services to their event kinds.
func registerHandlers(cfg *config.Config, d *dispatch.Dispatcher, store *session.Store, registry *gateway.Registry, bus domain.EventBus) error {
	completer, err := buildCompleter(cfg)
	if err != nil {
		return err
	}
	if completer != nil {
		responder := app.NewResponder(store, registry, completer, bus, app.ResponderConfig{
			SystemPrompt: cfg.Respond.SystemPrompt,
			ReplyPrefix:  cfg.Respond.Prefix,
			Timeout:      cfg.Respond.Timeout.Duration,
			UseReplyRef:  cfg.Respond.ReplyRef,
			Fallback:     cfg.Respond.Fallback,
			Always:       cfg.Respond.Always,
		})
		if err := d.Register(events.KindMessageCreated, "responder", responder.HandleMessage, dispatch.IgnoreSelf()); err != nil {
			return err
		}
	} else {
		logger.WarnC("main", "no provider credentials, mentions will not be answered")
	}

	if cfg.Counting.Enabled {
		svc := app.NewCountingService(store, registry, bus, app.CountingConfig{
			Ceiling:       cfg.Counting.Ceiling,
			Moderators:    cfg.Counting.Moderators,
			ApproveEmojis: cfg.Counting.ApproveEmojis,
			ResetEmoji:    cfg.Counting.ResetEmoji,
			ResetNotice:   cfg.Counting.ResetNotice,
		})
		if err := d.Register(events.KindMessageCreated, "counting", svc.HandleMessage, dispatch.IgnoreSelf()); err != nil {
			return err
		}
		if err := d.Register(events.KindReactionAdded, "counting-moderation", svc.HandleReaction); err != nil {
			return err
		}
		auto := app.NewAutoCount(store, registry, bus, cfg.Counting.Ceiling)
		if err := d.Register(events.KindScheduledTick, "autocount", auto.HandleTick); err != nil {
			return err
		}
	}
	return nil
}
