package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/stellarlinkco/moond/internal/audit"
	"github.com/stellarlinkco/moond/internal/lockfile"
	"github.com/stellarlinkco/moond/internal/state"
)

// runGuarded wraps one cycle in the panic barrier.
func (w *Watcher) runGuarded(ctx context.Context) (out *CycleOutcome, err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
			panicked = true
		}
	}()
	out, err = w.RunOnce(ctx, Options{})
	return out, err, false
}

func (w *Watcher) recordPanic() (int, error) {
	count := 0
	err := w.States.With(func(st *state.State) error {
		st.ConsecutivePanics++
		count = st.ConsecutivePanics
		return nil
	})
	return count, err
}

// AcquireDaemonLock takes the daemon lock or reports the running holder.
func (w *Watcher) AcquireDaemonLock() (*lockfile.Lock, error) {
	lock, holder, err := lockfile.Acquire(w.Paths.DaemonLock(), lockfile.Payload{
		PID:                os.Getpid(),
		StartedAtEpochSecs: w.Now(),
		BuildUUID:          w.BuildUUID,
		WorkspaceRoot:      w.Paths.MoonHome,
	})
	if err != nil {
		return nil, fmt.Errorf("acquire daemon lock: %w", err)
	}
	if lock == nil {
		if holder != nil {
			return nil, fmt.Errorf("%w (pid=%d lock=%s)", ErrAlreadyRunning, holder.PID, w.Paths.DaemonLock())
		}
		return nil, fmt.Errorf("%w (lock=%s)", ErrAlreadyRunning, w.Paths.DaemonLock())
	}
	return lock, nil
}

// RunDaemon holds the daemon lock and loops cycles until ctx is
// cancelled. It wakes on the poll timer, on filesystem events for the
// configured inbound watch paths, and on a cron nudge just after local
// midnight so the L2 rollover never waits out a long poll interval.
func (w *Watcher) RunDaemon(ctx context.Context) error {
	lock, err := w.AcquireDaemonLock()
	if err != nil {
		w.Log.Event("daemon", "failed", "lock acquisition failed: "+err.Error())
		return err
	}
	defer lock.Release()

	if err := w.States.With(func(st *state.State) error {
		st.Daemon = state.DaemonInfo{
			PID:                os.Getpid(),
			StartedAtEpochSecs: w.Now(),
			BuildUUID:          w.BuildUUID,
			WorkspaceRoot:      w.Paths.MoonHome,
		}
		return nil
	}); err != nil {
		return fmt.Errorf("record daemon provenance: %w", err)
	}

	wake := make(chan struct{}, 1)
	nudge := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	if w.Cfg.InboundWatch.Enabled && len(w.Cfg.InboundWatch.WatchPaths) > 0 {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			log.Printf("[watch] inbound watch unavailable: %v", err)
		} else {
			defer watcher.Close()
			for _, path := range w.Cfg.InboundWatch.WatchPaths {
				if err := watcher.Add(path); err != nil {
					log.Printf("[watch] cannot watch %s: %v", path, err)
				}
			}
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case _, ok := <-watcher.Events:
						if !ok {
							return
						}
						nudge()
					case _, ok := <-watcher.Errors:
						if !ok {
							return
						}
					}
				}
			}()
		}
	}

	sched := cron.New(cron.WithLocation(w.TZ))
	if _, err := sched.AddFunc("5 0 * * *", nudge); err == nil {
		sched.Start()
		defer sched.Stop()
	}

	log.Printf("[watch] daemon started pid=%d workspace=%s poll=%ds",
		os.Getpid(), w.Paths.MoonHome, w.Cfg.Watcher.PollIntervalSecs)

	failures := 0
	for {
		if ctx.Err() != nil {
			break
		}

		_, err, panicked := w.runGuarded(ctx)
		switch {
		case panicked:
			count, recErr := w.recordPanic()
			if recErr != nil {
				log.Printf("[watch] could not record panic count: %v", recErr)
				count++
			}
			w.Log.Event("watcher", "alert", fmt.Sprintf("DAEMON_PANIC consecutive_panics=%d error=%v", count, err))
			if count >= maxConsecutivePanics {
				w.Log.Warn(audit.Warning{
					Code:   audit.CodeDaemonPanicHalt,
					Stage:  "watcher",
					Action: "panic-guard",
					Retry:  "operator-intervention",
					Reason: "consecutive-panic-threshold",
					Err:    fmt.Sprint(err),
				})
				return ErrPanicHalt
			}
			if !sleepOrWake(ctx, 30*time.Second, wake) {
				return nil
			}
		case err != nil:
			failures++
			// Exponential backoff capped at five minutes keeps a broken
			// workspace from spinning.
			backoffSecs := w.Cfg.Watcher.PollIntervalSecs << min(failures-1, 4)
			if backoffSecs > 300 {
				backoffSecs = 300
			}
			w.Log.Event("watcher", "degraded",
				fmt.Sprintf("daemon cycle failed retry_in_secs=%d consecutive_failures=%d error=%v", backoffSecs, failures, err))
			log.Printf("[watch] cycle failed; retrying in %ds: %v", backoffSecs, err)
			if !sleepOrWake(ctx, time.Duration(backoffSecs)*time.Second, wake) {
				return nil
			}
		default:
			failures = 0
			if !sleepOrWake(ctx, time.Duration(w.Cfg.Watcher.PollIntervalSecs)*time.Second, wake) {
				return nil
			}
		}
	}

	log.Printf("[watch] graceful shutdown complete")
	return nil
}

// sleepOrWake sleeps for d but returns early on a wake nudge; it returns
// false when ctx is done.
func sleepOrWake(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-wake:
		return true
	}
}
