package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tonimelisma/syncpair/internal/config"
	"github.com/tonimelisma/syncpair/internal/protocol"
)

// directoryReport captures one directory's terminal outcome. Err is nil
// for a clean shutdown.
type directoryReport struct {
	name string
	err  error
}

// Supervisor spawns one sync driver and event loop per enabled
// configured directory and runs them until the shared context is
// canceled. Directories are isolated: a panic or error in one is
// captured into its own report and never stops the others.
type Supervisor struct {
	cfg    *config.Config
	dirs   []config.ResolvedDirectory
	logger *slog.Logger
}

// NewSupervisor resolves the configuration into per-directory
// settings.
func NewSupervisor(cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	dirs, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	return &Supervisor{cfg: cfg, dirs: dirs, logger: logger}, nil
}

// Run starts all enabled directories and blocks until every one has
// terminated. Context cancellation is the only shared shutdown signal;
// each directory runs against the caller's ctx directly so one
// directory's failure cannot cancel its siblings. Run returns an error
// only when no directory is enabled or every enabled directory failed.
func (s *Supervisor) Run(ctx context.Context) error {
	transport := NewTransport(s.cfg.Server, s.logger)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		reports []directoryReport
	)

	enabled := 0

	for _, dir := range s.dirs {
		if !dir.Enabled {
			s.logger.Info("skipping disabled directory", "directory", dir.Name)
			continue
		}

		enabled++

		wg.Add(1)

		go func() {
			defer wg.Done()

			err := s.runDirectory(ctx, transport, dir)
			if err != nil {
				s.logger.Error("directory sync terminated", "directory", dir.Name, "error", err)
			}

			mu.Lock()
			reports = append(reports, directoryReport{name: dir.Name, err: err})
			mu.Unlock()
		}()
	}

	if enabled == 0 {
		return fmt.Errorf("client: no enabled directories in configuration")
	}

	s.logger.Info("client started", "directories", enabled, "server", s.cfg.Server)

	wg.Wait()

	failed := 0

	for _, r := range reports {
		if r.err != nil {
			failed++
		}
	}

	if failed == enabled {
		return fmt.Errorf("client: all %d directories failed", enabled)
	}

	return nil
}

// runDirectory builds and runs one directory's driver and event loop
// with panic isolation.
func (s *Supervisor) runDirectory(ctx context.Context, transport *Transport, dir config.ResolvedDirectory) (err error) {
	logger := s.logger.With("directory", dir.Name)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("client: panic in directory %s: %v", dir.Name, r)
			logger.Error("directory sync panicked", "panic", r)
		}
	}()

	driver, err := NewDriver(DriverConfig{
		Directory: dir.Name,
		LocalPath: dir.LocalPath,
		ClientID:  s.cfg.ClientID,
		Shared:    dir.Shared,
		Ignore:    dir.IgnorePatterns,
		Transport: transport,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer driver.Close()

	var notifications <-chan protocol.ChangeNotification

	if dir.WatchServer {
		wireID := s.cfg.ClientID
		if dir.Shared {
			wireID = ""
		}

		sub := NewWatchSubscriber(transport, dir.Name, wireID, logger)
		notifications = sub.Notifications()

		go sub.Run(ctx)
	}

	logger.Info("directory sync starting",
		"local_path", dir.LocalPath,
		"shared", dir.Shared,
		"interval", dir.SyncInterval.String(),
	)

	loop := NewEventLoop(driver, dir.SyncInterval, notifications, logger)

	return loop.Run(ctx)
}
