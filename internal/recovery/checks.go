package recovery

import (
	"context"
	"fmt"
	"time"

	"authvault/internal/backup"
	apperrors "authvault/internal/errors"
	"authvault/internal/logging"
)

const (
	// CheckHealth verifies both stores answer a ping
	CheckHealth = "health"
	// CheckDataIntegrity verifies both stores hold at least the configured
	// amount of data
	CheckDataIntegrity = "data-integrity"

	defaultCheckTimeout = 30 * time.Second
)

// storeVerifier is the slice of backup.StoreVerifier the checks need
type storeVerifier interface {
	VerifyStores(ctx context.Context) ([]backup.StoreReport, error)
}

// StoreChecker runs validation checks against the live stores
type StoreChecker struct {
	verifier storeVerifier
	logger   *logging.Logger
}

// NewStoreChecker creates a Validator backed by a store verifier
func NewStoreChecker(verifier *backup.StoreVerifier, logger *logging.Logger) *StoreChecker {
	return newStoreChecker(verifier, logger)
}

func newStoreChecker(verifier storeVerifier, logger *logging.Logger) *StoreChecker {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &StoreChecker{verifier: verifier, logger: logger}
}

// RunCheck implements Validator
func (c *StoreChecker) RunCheck(ctx context.Context, name string, cfg ValidationStepConfig) error {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reports, err := c.verifier.VerifyStores(checkCtx)
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrorTypeUnknown,
			fmt.Sprintf("check %q could not inspect stores", name), err)
	}

	switch name {
	case CheckHealth:
		return c.checkHealth(reports)
	case CheckDataIntegrity:
		return c.checkDataIntegrity(reports, cfg)
	default:
		return apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
			fmt.Sprintf("unknown validation check %q", name), nil)
	}
}

func (c *StoreChecker) checkHealth(reports []backup.StoreReport) error {
	for _, report := range reports {
		if !report.Reachable {
			return apperrors.NewAppError(apperrors.ErrorTypeValidation,
				fmt.Sprintf("%s is not reachable: %s", report.Store, report.Detail), nil)
		}
		c.logger.Debugf("health check: %s reachable", report.Store)
	}
	return nil
}

// checkDataIntegrity enforces a minimum row and key count. A floor of zero in
// the step config means any non-negative count passes, so an intentionally
// empty store can still validate.
func (c *StoreChecker) checkDataIntegrity(reports []backup.StoreReport, cfg ValidationStepConfig) error {
	for _, report := range reports {
		if !report.Reachable {
			return apperrors.NewAppError(apperrors.ErrorTypeValidation,
				fmt.Sprintf("%s is not reachable: %s", report.Store, report.Detail), nil)
		}

		switch report.Store {
		case backup.StoreKindPostgres:
			if report.Tables < cfg.MinTables {
				return apperrors.NewAppError(apperrors.ErrorTypeValidation,
					fmt.Sprintf("postgres has %d tables, expected at least %d",
						report.Tables, cfg.MinTables), nil)
			}
		case backup.StoreKindRedis:
			if report.Keys < cfg.MinKeys {
				return apperrors.NewAppError(apperrors.ErrorTypeValidation,
					fmt.Sprintf("redis has %d keys, expected at least %d",
						report.Keys, cfg.MinKeys), nil)
			}
		}
	}
	return nil
}
