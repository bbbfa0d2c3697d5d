package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/NicolasHaas/linechat/pkg/datastore"
	"github.com/NicolasHaas/linechat/pkg/logging"
	"github.com/NicolasHaas/linechat/pkg/server"
	"github.com/NicolasHaas/linechat/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	fs := pflag.NewFlagSet("linechat-server", pflag.ExitOnError)
	configFile := fs.StringP("config", "c", "", "YAML config file (flags override its values)")
	fs.StringVarP(&cfg.ListenAddr, "listen", "l", cfg.ListenAddr, "TCP bind address")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite credential database path")
	fs.StringVar(&cfg.GroupsFile, "groups-file", "", "YAML file defining groups to load on startup")
	fs.BoolVar(&cfg.SaveGroups, "save-groups", false, "Write groups back to --groups-file on shutdown")
	fs.BoolVar(&cfg.AllowGuests, "guests", cfg.AllowGuests, "Allow login with unregistered usernames")
	fs.IntVar(&cfg.QueueCapacity, "queue", cfg.QueueCapacity, "Outbound lines buffered per session (0 = unbounded)")
	fs.StringVar(&cfg.OverflowPolicy, "overflow", cfg.OverflowPolicy, "Full queue policy: disconnect, drop-newest or drop-oldest")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Close sessions idle this long (0 = never)")
	fs.IntVar(&cfg.MaxLineLength, "max-line", cfg.MaxLineLength, "Longest accepted request line in bytes")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: "+logging.LevelNames())
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	fs.BoolVar(&cfg.ExportUsers, "export-users", false, "Export all accounts as YAML and exit")
	fs.BoolVar(&cfg.ExportGroups, "export-groups", false, "Export --groups-file, validated and normalized, and exit")
	showVersion := fs.BoolP("version", "v", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version.Banner("linechat-server"))
		return
	}

	if *configFile != "" {
		fileCfg := server.DefaultConfig()
		if err := server.LoadConfigFile(*configFile, &fileCfg); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		cfg = overlayFlags(fs, fileCfg, cfg)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	// Handle export commands (run and exit)
	if cfg.ExportUsers || cfg.ExportGroups {
		if err := export(cfg); err != nil {
			slog.Error("export", "err", err)
			os.Exit(1)
		}
		return
	}

	st, err := datastore.NewProviderFactory(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	slog.Info("starting linechat server", "version", version.String())
	srv := server.New(cfg, server.Dependencies{Store: st})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

// overlayFlags returns fileCfg with every explicitly set flag taken from flagCfg.
func overlayFlags(fs *pflag.FlagSet, fileCfg, flagCfg server.Config) server.Config {
	out := fileCfg
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "listen":
			out.ListenAddr = flagCfg.ListenAddr
		case "metrics":
			out.MetricsAddr = flagCfg.MetricsAddr
		case "db":
			out.DBPath = flagCfg.DBPath
		case "groups-file":
			out.GroupsFile = flagCfg.GroupsFile
		case "save-groups":
			out.SaveGroups = flagCfg.SaveGroups
		case "guests":
			out.AllowGuests = flagCfg.AllowGuests
		case "queue":
			out.QueueCapacity = flagCfg.QueueCapacity
		case "overflow":
			out.OverflowPolicy = flagCfg.OverflowPolicy
		case "idle-timeout":
			out.IdleTimeout = flagCfg.IdleTimeout
		case "max-line":
			out.MaxLineLength = flagCfg.MaxLineLength
		case "log-level":
			out.LogLevel = flagCfg.LogLevel
		case "log-format":
			out.LogFormat = flagCfg.LogFormat
		}
	})
	out.ExportUsers = flagCfg.ExportUsers
	out.ExportGroups = flagCfg.ExportGroups
	return out
}

func export(cfg server.Config) error {
	if cfg.ExportUsers {
		st, err := datastore.NewProviderFactory(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer st.Close()

		accounts := server.NewAccounts(st)
		if err := accounts.Load(context.Background()); err != nil {
			return err
		}
		data, err := server.ExportUsersYAML(accounts)
		if err != nil {
			return fmt.Errorf("export users: %w", err)
		}
		fmt.Print(string(data))
	}
	if cfg.ExportGroups {
		if cfg.GroupsFile == "" {
			return fmt.Errorf("--export-groups requires --groups-file")
		}
		groups := server.NewGroupStore()
		if err := server.LoadGroupsFile(cfg.GroupsFile, groups); err != nil {
			return err
		}
		data, err := server.ExportGroupsYAML(groups)
		if err != nil {
			return fmt.Errorf("export groups: %w", err)
		}
		fmt.Print(string(data))
	}
	return nil
}
