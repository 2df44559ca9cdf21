package source

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/qamon/qamon/internal/bus"
	"github.com/qamon/qamon/internal/config"
)

// ErrUnknownUser is returned by Resolve when a source has no record of the
// user ID, letting the manager try the next source.
var ErrUnknownUser = errors.New("unknown user")

// EnqueueFunc hands a message to the pipeline. It must return immediately;
// sources never classify inline.
type EnqueueFunc func(msg bus.ChatMessage)

// Source is one chat platform feed. Start begins delivering messages via the
// enqueue callback given at construction and returns once the feed is
// running.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	// Resolve maps a platform user ID to a display name.
	Resolve(ctx context.Context, userID string) (string, error)
}

// Manager owns the enabled sources and fans Resolve out across them.
type Manager struct {
	sources map[string]Source
}

func NewManager(cfg config.SourcesConfig, enqueue EnqueueFunc) (*Manager, error) {
	m := &Manager{sources: make(map[string]Source)}

	if cfg.Slack.Enabled {
		s, err := NewSlackSource(cfg.Slack, enqueue)
		if err != nil {
			return nil, fmt.Errorf("init slack source: %w", err)
		}
		m.sources[s.Name()] = s
	}

	if cfg.Telegram.Enabled {
		s, err := NewTelegramSource(cfg.Telegram, enqueue)
		if err != nil {
			return nil, fmt.Errorf("init telegram source: %w", err)
		}
		m.sources[s.Name()] = s
	}

	return m, nil
}

func (m *Manager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.sources))

	for name, s := range m.sources {
		wg.Add(1)
		go func(name string, s Source) {
			defer wg.Done()
			log.Printf("[source-mgr] starting %s", name)
			if err := s.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, s)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *Manager) StopAll() error {
	for name, s := range m.sources {
		log.Printf("[source-mgr] stopping %s", name)
		if err := s.Stop(); err != nil {
			log.Printf("[source-mgr] error stopping %s: %v", name, err)
		}
	}
	return nil
}

func (m *Manager) Enabled() []string {
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	return names
}

// Resolve asks each source in turn; the first one that knows the user wins.
func (m *Manager) Resolve(ctx context.Context, userID string) (string, error) {
	for _, s := range m.sources {
		name, err := s.Resolve(ctx, userID)
		if err == nil && name != "" {
			return name, nil
		}
		if err != nil && !errors.Is(err, ErrUnknownUser) {
			return "", err
		}
	}
	return "", ErrUnknownUser
}
