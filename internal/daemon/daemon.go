package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/cawhq/caw/internal/config"
	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/rpc"
	"github.com/cawhq/caw/internal/service"
	"github.com/cawhq/caw/internal/spawner"
	"github.com/cawhq/caw/internal/store"
)

const (
	// StaleSessionAge is how long a session may go without a heartbeat
	// before it is swept, along with the locks it holds.
	StaleSessionAge = 60 * time.Second
	// HeartbeatInterval is how often a live session refreshes itself.
	HeartbeatInterval = 15 * time.Second
	// HealthCheckInterval is how often clients probe the daemon.
	HealthCheckInterval = 15 * time.Second
	// HealthCheckTimeout bounds one health probe.
	HealthCheckTimeout = 3 * time.Second
)

// Daemon resolves whether this process serves HTTP for the database
// (daemon) or attaches to an existing server (client), then runs the
// chosen role until the context ends. Clients monitor the daemon and
// promote themselves when it dies.
type Daemon struct {
	cfg      *config.Config
	svc      *service.Services
	spawners *spawner.Registry
	httpSrv  *rpc.HTTPServer
	log      *logging.Logger

	lockPath string
	session  *core.Session
}

// New assembles a daemon over an already-opened engine.
func New(cfg *config.Config, svc *service.Services, spawners *spawner.Registry, httpSrv *rpc.HTTPServer, log *logging.Logger) *Daemon {
	if log == nil {
		log = logging.NewNop()
	}
	return &Daemon{
		cfg:      cfg,
		svc:      svc,
		spawners: spawners,
		httpSrv:  httpSrv,
		log:      log,
		lockPath: cfg.LockFilePath(),
	}
}

// SessionID returns this process's session id once Run has registered
// it; empty before that.
func (d *Daemon) SessionID() string {
	if d.session == nil {
		return ""
	}
	return d.session.ID
}

// Run performs role resolution and serves until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.sweepStale(ctx); err != nil {
		d.log.Warn("stale state sweep failed", "error", err)
	}

	lf, err := ReadLockFile(d.lockPath)
	if err != nil {
		// A corrupt lock file is treated as stale.
		d.log.Warn("unreadable lock file, replacing", "path", d.lockPath, "error", err)
		lf = nil
		_ = RemoveLockFile(d.lockPath)
	}

	if lf != nil && !lf.ShuttingDown && PidAlive(lf.PID) && d.healthy(lf.Port) {
		return d.runClient(ctx, lf)
	}
	if lf != nil {
		d.log.Info("removing stale server lock", "pid", lf.PID)
		if err := RemoveLockFile(d.lockPath); err != nil {
			return err
		}
	}

	sess, err := d.svc.Sessions.Register(ctx, os.Getpid(), true)
	if err != nil {
		return err
	}
	d.session = sess

	err = WriteLockFile(d.lockPath, &LockFile{
		PID:       os.Getpid(),
		Port:      d.cfg.Port,
		SessionID: sess.ID,
	})
	if errors.Is(err, os.ErrExist) {
		// Lost the creation race; whoever won is the daemon now.
		d.log.Info("lost server lock race, attaching as client")
		if derr := d.svc.Sessions.Deregister(ctx, sess.ID); derr != nil {
			d.log.Warn("deregistering provisional daemon session", "error", derr)
		}
		d.session = nil
		winner, rerr := ReadLockFile(d.lockPath)
		if rerr != nil || winner == nil {
			return fmt.Errorf("server lock race left no readable lock file: %w", rerr)
		}
		return d.runClient(ctx, winner)
	}
	if err != nil {
		return err
	}
	return d.runDaemon(ctx)
}

// runDaemon serves HTTP, heartbeats, sweeps stale state and resumes
// interrupted workflows. Blocks until ctx ends, then shuts down
// spawners and releases the lock.
func (d *Daemon) runDaemon(ctx context.Context) error {
	d.log.Info("running as daemon",
		"session_id", d.session.ID, "port", d.cfg.Port, "db", d.cfg.DBPath)

	srv := &http.Server{
		Addr:    fmt.Sprintf("localhost:%d", d.cfg.Port),
		Handler: d.httpSrv.Handler(),
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		d.releaseLock(ctx)
		return fmt.Errorf("binding port %d: %w", d.cfg.Port, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.markShuttingDown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		d.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		d.sweepLoop(gctx)
		return nil
	})
	g.Go(func() error {
		report, err := d.spawners.ResumeWorkflows(gctx)
		if err != nil {
			d.log.Warn("resuming workflows", "error", err)
			return nil
		}
		if len(report.Resumed) > 0 || len(report.Skipped) > 0 {
			d.log.Info("resumed workflows",
				"resumed", len(report.Resumed), "skipped", len(report.Skipped))
		}
		return nil
	})

	err = g.Wait()
	d.spawners.ShutdownAll()
	d.releaseLock(context.Background())
	if err != nil || ctx.Err() != nil {
		if err == nil {
			err = ctx.Err()
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
	}
	return err
}

// runClient registers a client session and watches the daemon. If the
// daemon dies, the client races to take over via the lock file; the
// winner promotes its session and starts serving, losers keep watching
// the new daemon.
func (d *Daemon) runClient(ctx context.Context, lf *LockFile) error {
	sess, err := d.svc.Sessions.Register(ctx, os.Getpid(), false)
	if err != nil {
		return err
	}
	d.session = sess
	d.log.Info("running as client",
		"session_id", sess.ID, "daemon_pid", lf.PID, "daemon_port", lf.Port)

	defer func() {
		_ = d.svc.Sessions.Deregister(context.Background(), sess.ID)
	}()

	// The fsnotify watch makes lock removal wake the monitor immediately;
	// the ticker covers daemons that die without unlinking.
	lockEvents := make(chan struct{}, 1)
	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(d.lockPath)); err == nil {
			go func() {
				for {
					select {
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						if ev.Name == d.lockPath {
							select {
							case lockEvents <- struct{}{}:
							default:
							}
						}
					case _, ok := <-watcher.Errors:
						if !ok {
							return
						}
					}
				}
			}()
		}
	} else {
		d.log.Warn("lock file watch unavailable, polling only", "error", werr)
	}

	hbTicker := time.NewTicker(HeartbeatInterval)
	defer hbTicker.Stop()
	healthTicker := time.NewTicker(HealthCheckInterval)
	defer healthTicker.Stop()

	current := lf
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hbTicker.C:
			if err := d.svc.Sessions.Heartbeat(ctx, sess.ID); err != nil {
				d.log.Warn("session heartbeat failed", "error", err)
			}
		case <-lockEvents:
		case <-healthTicker.C:
		}

		next, takeover, err := d.checkDaemon(ctx, current)
		if err != nil {
			return err
		}
		current = next
		if takeover {
			return d.runDaemon(ctx)
		}
	}
}

// checkDaemon probes the current daemon and attempts promotion when it
// is gone. Returns the lock file to watch next and whether this process
// became the daemon.
func (d *Daemon) checkDaemon(ctx context.Context, current *LockFile) (*LockFile, bool, error) {
	lf, err := ReadLockFile(d.lockPath)
	if err != nil {
		d.log.Warn("rereading lock file", "error", err)
		return current, false, nil
	}
	if lf != nil && !lf.ShuttingDown && PidAlive(lf.PID) && d.healthy(lf.Port) {
		return lf, false, nil
	}

	d.log.Info("daemon unavailable, attempting promotion")
	if lf != nil {
		if err := RemoveLockFile(d.lockPath); err != nil {
			return current, false, nil
		}
		if lf.SessionID != "" {
			if err := d.svc.Sessions.Deregister(ctx, lf.SessionID); err != nil {
				d.log.Warn("deregistering dead daemon session", "error", err)
			}
		}
	}

	err = WriteLockFile(d.lockPath, &LockFile{
		PID:       os.Getpid(),
		Port:      d.cfg.Port,
		SessionID: d.session.ID,
	})
	if errors.Is(err, os.ErrExist) {
		// Another client won; follow them.
		winner, rerr := ReadLockFile(d.lockPath)
		if rerr != nil || winner == nil {
			return current, false, nil
		}
		d.log.Info("another client promoted first", "daemon_pid", winner.PID)
		return winner, false, nil
	}
	if err != nil {
		return current, false, err
	}

	if err := d.svc.Sessions.PromoteToDaemon(ctx, d.session.ID); err != nil {
		_ = RemoveLockFileIfOwner(d.lockPath, d.session.ID)
		return current, false, err
	}
	d.log.Info("promoted to daemon", "session_id", d.session.ID)
	return nil, true, nil
}

func (d *Daemon) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.svc.Sessions.Heartbeat(ctx, d.session.ID); err != nil {
				d.log.Warn("session heartbeat failed", "error", err)
			}
		}
	}
}

func (d *Daemon) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(StaleSessionAge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.sweepStale(ctx); err != nil {
				d.log.Warn("stale state sweep failed", "error", err)
			}
		}
	}
}

// sweepStale removes sessions past the heartbeat cutoff or with dead
// pids, then releases workflow locks left without a live session.
func (d *Daemon) sweepStale(ctx context.Context) error {
	cutoff := store.Now() - StaleSessionAge.Milliseconds()
	if _, err := d.svc.Sessions.CleanupStale(ctx, cutoff); err != nil {
		return err
	}
	if _, err := d.svc.Locks.ReleaseStale(ctx, cutoff); err != nil {
		return err
	}
	return nil
}

// healthy probes the daemon's health endpoint.
func (d *Daemon) healthy(port int) bool {
	client := &http.Client{Timeout: HealthCheckTimeout}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// markShuttingDown flags the lock file so clients skip a doomed health
// probe during shutdown.
func (d *Daemon) markShuttingDown() {
	lf, err := ReadLockFile(d.lockPath)
	if err != nil || lf == nil || lf.SessionID != d.session.ID {
		return
	}
	lf.ShuttingDown = true
	if err := UpdateLockFile(d.lockPath, lf); err != nil {
		d.log.Warn("flagging lock file for shutdown", "error", err)
	}
}

// releaseLock deregisters the session and removes the lock file, but
// only while this session still owns it.
func (d *Daemon) releaseLock(ctx context.Context) {
	if d.session == nil {
		return
	}
	if err := RemoveLockFileIfOwner(d.lockPath, d.session.ID); err != nil {
		d.log.Warn("removing server lock", "error", err)
	}
	if err := d.svc.Sessions.Deregister(ctx, d.session.ID); err != nil {
		d.log.Warn("deregistering session", "error", err)
	}
}
