package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/openmined/storeman/internal/conflict"
	"github.com/openmined/storeman/internal/hashing"
	"github.com/openmined/storeman/internal/lock"
	"github.com/openmined/storeman/internal/merge"
	"github.com/openmined/storeman/internal/operation"
	"github.com/openmined/storeman/internal/storage"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
}

// Validate checks struct tags first, then the rules that need the
// component registries.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if err := hashing.Validate(cfg.HashAlgorithms); err != nil {
		return fmt.Errorf("hashAlgorithms: %w", err)
	}

	titles := make(map[string]bool, len(cfg.Vaults))
	for i, v := range cfg.Vaults {
		if titles[v.Title] {
			return fmt.Errorf("vaults[%d]: duplicate vault title %q", i, v.Title)
		}
		titles[v.Title] = true

		if !slices.Contains(storage.Names(), v.Adapter) {
			return fmt.Errorf("vaults[%d]: %w: %q", i, storage.ErrUnknown, v.Adapter)
		}
		if v.LockAdapter != "" && !slices.Contains(lock.Backends(), v.LockAdapter) {
			return fmt.Errorf("vaults[%d]: %w: %q", i, lock.ErrUnknownBackend, v.LockAdapter)
		}
		if _, err := merge.NewMerger(v.IndexMerger); err != nil {
			return fmt.Errorf("vaults[%d]: %w", i, err)
		}
		if _, err := conflict.New(v.ConflictHandler); err != nil {
			return fmt.Errorf("vaults[%d]: %w", i, err)
		}
		if _, err := operation.NewBuilder(v.OperationListBuilder); err != nil {
			return fmt.Errorf("vaults[%d]: %w", i, err)
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
