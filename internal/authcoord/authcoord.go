// Package authcoord decides when the supplier session must be
// (re-)established: at startup, after repeated price-access failures, and on
// periodic product-count intervals. Login attempts run through a circuit
// breaker so a broken login flow cannot hot-loop.
package authcoord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/svarley/fbascout/internal/config"
)

// Trigger names why a login was initiated.
type Trigger string

const (
	TriggerStartup           Trigger = "startup"
	TriggerPriceFailures     Trigger = "consecutive_price_failures"
	TriggerPrimaryPeriodic   Trigger = "primary_periodic"
	TriggerSecondaryPeriodic Trigger = "secondary_periodic"
)

// ErrAuthExhausted means logins kept failing past the configured ceiling and
// the run should abort rather than keep hammering the supplier.
var ErrAuthExhausted = errors.New("authcoord: consecutive login failures exhausted")

// Authenticator performs one supplier login attempt.
type Authenticator interface {
	Login(ctx context.Context) error
}

// Coordinator tracks session health and fires the re-login triggers.
type Coordinator struct {
	auth    Authenticator
	cfg     config.Authentication
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	mu                sync.Mutex
	loggedIn          bool
	priceFailures     int
	loginFailures     int
	productsProcessed int
}

// New creates a Coordinator. The breaker opens after the configured number of
// consecutive login failures and stays open for the auth-failure delay.
func New(auth Authenticator, cfg *config.Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	authCfg := cfg.Authentication
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "supplier-login",
		Timeout: cfg.AuthFailureDelay(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(authCfg.MaxConsecutiveAuthFailures)
		},
	})
	return &Coordinator{
		auth:    auth,
		cfg:     authCfg,
		breaker: breaker,
		logger:  logger.With("component", "authcoord"),
	}
}

// EnsureStartupLogin logs in unless a session is already established.
func (c *Coordinator) EnsureStartupLogin(ctx context.Context) error {
	c.mu.Lock()
	if c.loggedIn {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.login(ctx, TriggerStartup)
}

// RecordPriceOutcome feeds the coordinator one product's price-access result.
// A run of failures at the configured threshold forces a re-login and resets
// the counter. Reports whether a re-login was performed.
func (c *Coordinator) RecordPriceOutcome(ctx context.Context, priceOK bool) (bool, error) {
	c.mu.Lock()
	if priceOK {
		c.priceFailures = 0
		c.mu.Unlock()
		return false, nil
	}
	c.priceFailures++
	trip := c.priceFailures >= c.cfg.ConsecutiveFailureThreshold
	if trip {
		c.priceFailures = 0
	}
	c.mu.Unlock()

	if !trip {
		return false, nil
	}
	if err := c.login(ctx, TriggerPriceFailures); err != nil {
		return false, err
	}
	return true, nil
}

// RecordProductProcessed advances the product counter and fires the periodic
// re-login triggers. When the primary and secondary intervals land on the
// same count, one login covers both.
func (c *Coordinator) RecordProductProcessed(ctx context.Context) error {
	c.mu.Lock()
	c.productsProcessed++
	n := c.productsProcessed
	due := Trigger("")
	if c.cfg.SecondaryPeriodicInterval > 0 && n%c.cfg.SecondaryPeriodicInterval == 0 {
		due = TriggerSecondaryPeriodic
	} else if c.cfg.PrimaryPeriodicInterval > 0 && n%c.cfg.PrimaryPeriodicInterval == 0 {
		due = TriggerPrimaryPeriodic
	}
	c.mu.Unlock()

	if due == "" {
		return nil
	}
	return c.login(ctx, due)
}

// ProductsProcessed returns the running product count.
func (c *Coordinator) ProductsProcessed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.productsProcessed
}

func (c *Coordinator) login(ctx context.Context, trigger Trigger) error {
	c.logger.Info("supplier login", "trigger", trigger)
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.auth.Login(ctx)
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.loggedIn = false
		c.loginFailures++
		c.logger.Warn("supplier login failed",
			"trigger", trigger, "consecutive_failures", c.loginFailures, "error", err)
		if c.loginFailures >= c.cfg.MaxConsecutiveAuthFailures {
			return fmt.Errorf("%w: %d failures, last: %v", ErrAuthExhausted, c.loginFailures, err)
		}
		return fmt.Errorf("authcoord: login (%s): %w", trigger, err)
	}
	c.loggedIn = true
	c.loginFailures = 0
	c.priceFailures = 0
	return nil
}
