// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/bwmarrin/discordgo"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exzerolog"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/matrix-discord-bridge/pkg/bridge"
	"github.com/aiku/matrix-discord-bridge/pkg/database"
	"github.com/aiku/matrix-discord-bridge/pkg/discordapi"
	"github.com/aiku/matrix-discord-bridge/pkg/matrixapi"
)

var (
	configPath    = flag.String("config", "config.yaml", "path to the config file")
	generate      = flag.Bool("generate-config", false, "write an example config to the config path and exit")
	generateReg   = flag.String("generate-registration", "", "write the appservice registration to this path and exit")
	version       = flag.Bool("version", false, "print the version and exit")
	versionString = "matrix-discord-bridge 0.1.0"
)

func main() {
	flag.Parse()
	if *version {
		fmt.Println(versionString)
		return
	}
	if *generate {
		if err := os.WriteFile(*configPath, []byte(bridge.ExampleConfig), 0o600); err != nil {
			fmt.Fprintln(os.Stderr, "failed to write example config:", err)
			os.Exit(1)
		}
		fmt.Println("wrote example config to", *configPath)
		return
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger().Level(level)
	exzerolog.SetupDefaults(&log)

	reg := registrationFromConfig(cfg)
	if *generateReg != "" {
		if err = reg.Save(*generateReg); err != nil {
			return fmt.Errorf("writing registration: %w", err)
		}
		log.Info().Str("path", *generateReg).Msg("Wrote appservice registration")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rawDB, err := dbutil.NewFromConfig("matrix-discord-bridge", dbutil.Config{
		PoolConfig: dbutil.PoolConfig{
			Type: cfg.Database.Type,
			URI:  cfg.Database.URI,
		},
	}, dbutil.ZeroLogger(log.With().Str("component", "database").Logger()))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	db := database.New(rawDB)
	defer db.Close()
	if err = db.Upgrade(ctx); err != nil {
		return fmt.Errorf("upgrading database: %w", err)
	}

	as := appservice.Create()
	as.Registration = reg
	as.HomeserverDomain = cfg.Homeserver.Domain
	as.Log = log.With().Str("component", "appservice").Logger()
	as.Host = appservice.HostConfig{
		Hostname: cfg.Appservice.Hostname,
		Port:     cfg.Appservice.Port,
	}
	if err = as.SetHomeserverURL(cfg.Homeserver.Address); err != nil {
		return fmt.Errorf("invalid homeserver address: %w", err)
	}

	session, err := discordgo.New("Bot " + cfg.Discord.BotToken)
	if err != nil {
		return fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentGuildMessageReactions |
		discordgo.IntentMessageContent |
		discordgo.IntentGuildMessagePolls

	br := bridge.New(
		log.With().Str("component", "bridge").Logger(),
		cfg, db,
		matrixapi.New(as, log.With().Str("component", "matrix").Logger()),
		discordapi.New(session),
	)

	ep := appservice.NewEventProcessor(as)
	matrixHandler := func(ctx context.Context, evt *event.Event) {
		if err := br.HandleMatrixEvent(ctx, evt); err != nil {
			br.Log.Err(err).
				Stringer("event_id", evt.ID).
				Stringer("room_id", evt.RoomID).
				Msg("Failed to handle Matrix event")
		}
	}
	ep.On(event.EventMessage, matrixHandler)
	ep.On(event.EventSticker, matrixHandler)
	ep.On(event.EventReaction, matrixHandler)
	ep.On(event.EventRedaction, matrixHandler)
	ep.On(event.StateTombstone, matrixHandler)
	ep.On(event.StateRoomAvatar, matrixHandler)

	session.AddHandler(func(_ *discordgo.Session, evt any) {
		br.HandleGatewayEvent(ctx, evt)
	})

	as.Start()
	defer as.Stop()
	ep.Start(ctx)
	defer ep.Stop()
	if err = session.Open(); err != nil {
		return fmt.Errorf("connecting to discord gateway: %w", err)
	}
	defer session.Close()
	log.Info().Msg("Bridge started")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	return nil
}

// registrationFromConfig builds the appservice registration that would
// be handed to the homeserver. Tokens come from the config so the same
// file works for both generation and runtime.
func registrationFromConfig(cfg *bridge.Config) *appservice.Registration {
	reg := appservice.CreateRegistration()
	reg.ID = "discord"
	reg.URL = fmt.Sprintf("http://%s:%d", cfg.Appservice.Hostname, cfg.Appservice.Port)
	reg.AppToken = cfg.Appservice.ASToken
	reg.ServerToken = cfg.Appservice.HSToken
	reg.SenderLocalpart = cfg.Appservice.BotLocalpart
	reg.Namespaces.UserIDs.Register(regexp.MustCompile(fmt.Sprintf(
		"^@%s[a-z0-9._=-]+:%s$", regexp.QuoteMeta(cfg.Appservice.SimPrefix), regexp.QuoteMeta(cfg.Homeserver.Domain),
	)), true)
	return reg
}
