package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/memvault/internal"
	"github.com/starford/memvault/internal/memory"
	"github.com/starford/memvault/internal/models"
	pkgconfig "github.com/starford/memvault/pkg/config"
)

var version = "dev"

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to config file",
		DefaultText: "config/config.yaml",
		Value:       "config/config.yaml",
		Sources:     cli.EnvVars("APP_CONFIG_FILE"),
	}
}

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg), internal.WithVersion(version)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func mcp(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.RunMCP(ctx, internal.WithConfig(cfg), internal.WithVersion(version)); err != nil {
		return fmt.Errorf("mcp run error: %w", err)
	}
	return nil
}

func devstore(ctx context.Context, cmd *cli.Command) error {
	cfg := internal.NewDefaultConfig()
	if _, err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.DevStore.Validate(); err != nil {
		return fmt.Errorf("devstore config: %w", err)
	}
	if err := internal.RunDevStore(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("devstore run error: %w", err)
	}
	return nil
}

func stats(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.WithServices(ctx, func(ctx context.Context, svc *memory.Service) error {
		st, err := svc.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(st)
	}, internal.WithConfig(cfg))
}

func search(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	limit := 0
	if s := cmd.String("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 0 {
			return fmt.Errorf("invalid --limit %q", s)
		}
	}
	query := strings.Join(cmd.Args().Slice(), " ")
	kind := models.Kind(cmd.String("type"))

	return internal.WithServices(ctx, func(ctx context.Context, svc *memory.Service) error {
		recs, err := svc.Search(ctx, query, kind, limit)
		if err != nil {
			return err
		}
		return printJSON(recs)
	}, internal.WithConfig(cfg))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	cmd := &cli.Command{
		Name:     "memvault",
		Usage:    "Encrypted memory persistence over a remote entity store",
		Version:  version,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API with server-sent events",
				Flags:  []cli.Flag{configFlag()},
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve memory tools over MCP stdio",
				Flags:  []cli.Flag{configFlag()},
				Action: mcp,
			},
			{
				Name:   "devstore",
				Usage:  "Run the development entity store",
				Flags:  []cli.Flag{configFlag()},
				Action: devstore,
			},
			{
				Name:   "stats",
				Usage:  "Print storage estimates",
				Flags:  []cli.Flag{configFlag()},
				Action: stats,
			},
			{
				Name:      "search",
				Usage:     "Search memories",
				ArgsUsage: "[query...]",
				Flags:     []cli.Flag{
					configFlag(),
					&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "Only this memory type"},
					&cli.StringFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum number of results"},
				},
				Action: search,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
