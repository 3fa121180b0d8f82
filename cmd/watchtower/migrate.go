package main

import (
	"github.com/sirupsen/logrus"

	"watchtower/internal/config"
	"watchtower/internal/store"
)

// runMigrate is a thin wrapper: store.Open already applies every embedded
// migration on open, so this subcommand just does that and exits, for
// operators who want migrations applied as a separate deploy step.
func runMigrate(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		return err
	}
	logrus.WithField("database", cfg.Database.URL).Info("migrations applied")
	return st.Close()
}
