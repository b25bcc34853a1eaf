package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/chatrelay-backend/internal/chain"
	"github.com/yungbote/chatrelay-backend/internal/config"
	"github.com/yungbote/chatrelay-backend/internal/db"
	"github.com/yungbote/chatrelay-backend/internal/discord"
	"github.com/yungbote/chatrelay-backend/internal/extract"
	"github.com/yungbote/chatrelay-backend/internal/llm"
	"github.com/yungbote/chatrelay-backend/internal/platform/logger"
	"github.com/yungbote/chatrelay-backend/internal/repos"
	"github.com/yungbote/chatrelay-backend/internal/respond"
	"github.com/yungbote/chatrelay-backend/internal/server"
	"github.com/yungbote/chatrelay-backend/internal/store"
)

// identity reports the connected bot user; satisfied by the gateway.
type identity interface {
	BotUser() discord.User
}

// App wires the gateway, the conversation core, and the ops server.
type App struct {
	Log    *logger.Logger
	Config *config.Config

	gateway   *discord.Gateway
	identity  identity
	api       discord.API
	cache     *store.NodeCache
	walker    *chain.Walker
	assembler *respond.Assembler
	repo      repos.ConversationRepo
	server    *server.Server
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	sqlite, err := db.NewSQLiteService(cfg.DBPath, log)
	if err != nil {
		return nil, err
	}
	if err := sqlite.AutoMigrateAll(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	repo := repos.NewConversationRepo(sqlite.DB(), log)
	api := discord.NewRESTClient(cfg.BotToken)
	cache := store.NewNodeCache(config.MaxNodes, log)
	extractor := extract.New(log)
	walker := chain.NewWalker(api, cache, extractor, repo, cfg, log)
	generator := llm.NewClient(cfg, log)
	assembler := respond.NewAssembler(api, cache, repo, generator, cfg, log)
	gateway := discord.NewGateway(cfg.BotToken, cfg.StatusMessage, log)

	return &App{
		Log:       log,
		Config:    cfg,
		gateway:   gateway,
		identity:  gateway,
		api:       api,
		cache:     cache,
		walker:    walker,
		assembler: assembler,
		repo:      repo,
		server:    server.New(cfg.HTTPAddr, repo, log),
	}, nil
}

// Run blocks until ctx is done or a component fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.gateway.Run(gctx, a.HandleMessage)
	})
	g.Go(func() error {
		return a.server.Run(gctx)
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
