package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/adharvest/internal/metrics"
)

// openSession launches a session and navigates it to the current target.
func (w *Worker) openSession(ctx context.Context) error {
	sess, err := w.deps.Launcher.Launch(ctx, w.asg.Spec.Profile)
	if err != nil {
		return fmt.Errorf("launch: %w", err)
	}
	if err := sess.Navigate(ctx, w.target.URL); err != nil {
		_ = sess.Close()
		return fmt.Errorf("navigate %s: %w", w.target.URL, err)
	}
	w.setSession(sess)
	w.reloads.AllowN(w.deps.Clock.Now(), 1)
	return nil
}

// launchWithRetry makes up to LaunchAttempts attempts with a short backoff.
func (w *Worker) launchWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.LaunchBackoff
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.cfg.LaunchAttempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := w.openSession(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		w.logger.Warn("session launch failed",
			zap.Int("attempt", attempt), zap.Duration("retry_in", wait), zap.Error(err))
	})
}

// reconnect checkpoints, then tears down and relaunches the session with a
// growing, capped wait between attempts. It gives up after ReconnectAttempts.
func (w *Worker) reconnect(ctx context.Context) error {
	w.transition(StateDisconnected, "session lost")
	w.saveCheckpoint(ctx)
	w.transition(StateReconnecting, "")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.ReconnectInitial
	b.MaxInterval = w.cfg.ReconnectMax
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= w.cfg.ReconnectAttempts; attempt++ {
		w.closeSession()
		err := w.openSession(ctx)
		if err == nil && !w.currentSession().IsAlive(ctx) {
			err = errors.New("liveness check failed")
		}
		if err == nil {
			metrics.ObserveReconnect(true)
			w.logger.Info("session reconnected", zap.Int("attempt", attempt))
			w.sessionID = w.newSessionID()
			w.emit(Event{Kind: EventSessionCreated})
			w.transition(StateRunning, "reconnected")
			return nil
		}
		metrics.ObserveReconnect(false)
		lastErr = err
		w.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == w.cfg.ReconnectAttempts {
			break
		}
		if err := w.deps.Sleep(ctx, b.NextBackOff()); err != nil {
			return err
		}
	}
	w.closeSession()
	return fmt.Errorf("reconnect failed after %d attempts: %w", w.cfg.ReconnectAttempts, lastErr)
}
