package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	taskdeck "github.com/taskdeck/taskdeck/sdk/golang"
)

// session is an opened client together with the resources backing it.
type session struct {
	cfg    *Config
	client *taskdeck.Client
	slots  *taskdeck.SQLiteSlots
}

// openSession loads the config, opens the local state database and restores
// the client's mirrors from it.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, errors.New("no session token. Run 'taskdeck init <token>' first")
	}

	opts := []taskdeck.ClientOption{taskdeck.WithLogger(slog.Default())}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, taskdeck.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.RealtimeURL != "" {
		opts = append(opts, taskdeck.WithRealtimeURL(cfg.Default.RealtimeURL))
	}
	if cfg.Default.CacheTTL != "" {
		ttl, err := time.ParseDuration(cfg.Default.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid default.cache_ttl: %w", err)
		}
		opts = append(opts, taskdeck.WithCacheTTL(ttl))
	}

	s := &session{cfg: cfg}
	if cfg.Storage.Path != "" && cfg.Auth.SessionID != "" {
		slots, err := taskdeck.OpenSQLiteSlots(cfg.Storage.Path, cfg.Auth.SessionID)
		if err != nil {
			return nil, err
		}
		s.slots = slots
		opts = append(opts, taskdeck.WithSlotStore(slots))
	}

	s.client = taskdeck.NewClient(cfg.Auth.Token, opts...)
	if err := s.client.Open(ctx); err != nil {
		s.Close(ctx)
		return nil, err
	}
	return s, nil
}

// identity returns the configured identity, or ErrNoIdentity.
func (s *session) identity() (*taskdeck.Identity, error) {
	if s.cfg.Auth.UserID == "" {
		return nil, taskdeck.ErrNoIdentity
	}
	return &taskdeck.Identity{ID: s.cfg.Auth.UserID, DisplayName: s.cfg.Auth.DisplayName}, nil
}

// signIn sets the identity on the chat reconciler and connects the push channel.
func (s *session) signIn(ctx context.Context) (*taskdeck.Channel, error) {
	id, err := s.identity()
	if err != nil {
		return nil, err
	}
	return s.client.SetIdentity(ctx, id), nil
}

func (s *session) Close(ctx context.Context) {
	if s.client != nil {
		if err := s.client.Close(ctx); err != nil {
			slog.Warn("session.close", "err", err)
		}
	}
	if s.slots != nil {
		s.slots.Close()
	}
}

// waitConnected blocks until ch is connected, has given up, or ctx ends.
func waitConnected(ctx context.Context, ch *taskdeck.Channel) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if ch.Status() == taskdeck.StatusConnected {
			return nil
		}
		if err := ch.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// fail prints the short user-facing message and logs the detail.
func fail(op string, err error) error {
	slog.Debug(op, "err", err)
	return errors.New(taskdeck.UserMessage(err))
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
