package store

import (
	"fmt"

	"order_orchestrator/internal/config"
	"order_orchestrator/internal/core"
)

// Open returns the journal selected by cfg, or nil when journaling is off
func Open(cfg config.JournalConfig) (core.IRunJournal, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "memory":
		return NewMemoryJournal(), nil
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("journal.path is required for the sqlite driver")
		}
		j, err := NewSQLiteJournal(cfg.Path)
		if err != nil {
			return nil, err
		}
		return j, nil
	default:
		return nil, fmt.Errorf("unknown journal driver %q", cfg.Driver)
	}
}
