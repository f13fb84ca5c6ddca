// Package config handles application configuration from environment
// variables and the JSON run-configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"chatsweep/internal/model"
)

// Config holds the application configuration.
type Config struct {
	Token        string
	DatabasePath string
	LogLevel     string
	RunFile      string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("CHATSWEEP_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("CHATSWEEP_TOKEN is required")
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/chatsweep.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	runFile := os.Getenv("RUN_CONFIG")
	if runFile == "" {
		runFile = "./run.json"
	}

	return &Config{
		Token:        token,
		DatabasePath: dbPath,
		LogLevel:     logLevel,
		RunFile:      runFile,
	}, nil
}

type runTarget struct {
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	Parent   string `json:"parent"`
	NSFW     bool   `json:"nsfw"`
	Archived bool   `json:"archived"`
}

// runFile mirrors the JSON run-configuration schema.
type runFile struct {
	Guild   string      `json:"guild"`
	Channel string      `json:"channel"`
	Targets []runTarget `json:"targets"`

	Author        string `json:"author"`
	Content       string `json:"content"`
	ExactContent  bool   `json:"exact_content"`
	Pattern       string `json:"pattern"`
	HasLink       bool   `json:"has_link"`
	HasFile       bool   `json:"has_file"`
	NoFile        bool   `json:"no_file"`
	MinID         string `json:"min_id"`
	MaxID         string `json:"max_id"`
	After         string `json:"after"`
	Before        string `json:"before"`
	IncludeNSFW   bool   `json:"include_nsfw"`
	IncludePinned bool   `json:"include_pinned"`

	DeleteDelay float64 `json:"delete_delay"`
	SearchDelay float64 `json:"search_delay"`
	MaxDelay    float64 `json:"max_delay"`
	AutoAdjust  bool    `json:"auto_adjust_delay"`
	Parallelism int     `json:"parallelism"`
	MaxAttempts int     `json:"max_attempts"`
}

// LoadRun reads a run configuration from a JSON file. The guild/channel
// shorthand of the original config schema maps to a single target.
func LoadRun(path string) (*model.RunConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-provided config path
	if err != nil {
		return nil, fmt.Errorf("read run config: %w", err)
	}

	var rf runFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse run config: %w", err)
	}

	cfg := &model.RunConfig{
		AuthorID:        rf.Author,
		Content:         rf.Content,
		ExactContent:    rf.ExactContent,
		Pattern:         rf.Pattern,
		HasLink:         rf.HasLink,
		HasFile:         rf.HasFile,
		NoFile:          rf.NoFile,
		MinID:           rf.MinID,
		MaxID:           rf.MaxID,
		IncludeNSFW:     rf.IncludeNSFW,
		IncludePinned:   rf.IncludePinned,
		DeleteDelay:     secondsToDuration(rf.DeleteDelay),
		SearchDelay:     secondsToDuration(rf.SearchDelay),
		MaxDelay:        secondsToDuration(rf.MaxDelay),
		AutoAdjustDelay: rf.AutoAdjust,
		Parallelism:     rf.Parallelism,
		MaxAttempts:     rf.MaxAttempts,
	}

	if cfg.After, err = parseTime(rf.After); err != nil {
		return nil, fmt.Errorf("invalid after: %w", err)
	}
	if cfg.Before, err = parseTime(rf.Before); err != nil {
		return nil, fmt.Errorf("invalid before: %w", err)
	}

	for _, t := range rf.Targets {
		target, err := mapTarget(t)
		if err != nil {
			return nil, err
		}
		cfg.Targets = append(cfg.Targets, target)
	}

	if rf.Channel != "" {
		kind := model.KindChannel
		if rf.Guild == "" || rf.Guild == "@me" {
			kind = model.KindDirect
		}
		cfg.Targets = append(cfg.Targets, model.Target{
			Kind:     kind,
			ID:       rf.Channel,
			ParentID: rf.Guild,
		})
	}

	return cfg, nil
}

func mapTarget(t runTarget) (model.Target, error) {
	var kind model.TargetKind
	switch t.Kind {
	case "channel", "":
		kind = model.KindChannel
	case "direct", "dm":
		kind = model.KindDirect
	case "thread":
		kind = model.KindThread
	default:
		return model.Target{}, fmt.Errorf("unknown target kind %q", t.Kind)
	}
	return model.Target{
		Kind:     kind,
		ID:       t.ID,
		ParentID: t.Parent,
		NSFW:     t.NSFW,
		Archived: t.Archived,
	}, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or YYYY-MM-DD, got %q", s)
	}
	return t, nil
}
