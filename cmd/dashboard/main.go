package main

import (
	"context"
	"flag"
	"log"
	"strconv"

	"github.com/KevinKickass/OpenSolarCollector/internal/config"
	"github.com/KevinKickass/OpenSolarCollector/internal/storage"
	"github.com/KevinKickass/OpenSolarCollector/internal/tui"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the config file")
	logPath := flag.String("log", "", "write logs to this file (the terminal belongs to the dashboard)")
	flag.Parse()

	logger := zap.NewNop()
	if *logPath != "" {
		zc := zap.NewProductionConfig()
		zc.OutputPaths = []string{*logPath}
		zc.ErrorOutputPaths = []string{*logPath}
		l, err := zc.Build()
		if err != nil {
			log.Fatalf("Failed to create logger: %v", err)
		}
		logger = l
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := storage.Open(context.Background(), cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	// used until the store has a refresh_interval; the model re-reads it
	stale := tui.StaleAfter(strconv.Itoa(cfg.Collector.RefreshSeconds), 0)

	model := tui.NewModel(store, cfg.Dashboard.RefreshInterval, stale)
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		logger.Error("Dashboard failed", zap.Error(err))
		log.Fatalf("Dashboard failed: %v", err)
	}
}
