package domain

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var optionsValidator = validator.New(validator.WithRequiredStructEnabled())

// ProcessOptions tune a PROCESS run.
type ProcessOptions struct {
	SheetNames []string `json:"sheet_names,omitempty" validate:"omitempty,max=64,dive,min=1"`
	HeaderRow  int      `json:"header_row,omitempty" validate:"gte=0"`
	MaxRows    int64    `json:"max_rows,omitempty" validate:"gte=0"`
	DryRun     bool     `json:"dry_run,omitempty"`
}

// ValidateOptions tune a VALIDATE run.
type ValidateOptions struct {
	Strict     bool     `json:"strict,omitempty"`
	RulesetIDs []string `json:"ruleset_ids,omitempty" validate:"omitempty,max=32,dive,min=1"`
}

// PublishOptions tune a PUBLISH run.
type PublishOptions struct {
	Channel string `json:"channel,omitempty" validate:"omitempty,oneof=staging production"`
	Notes   string `json:"notes,omitempty" validate:"max=2048"`
}

// RunOptions is the per-operation options payload captured at submission
// time. Exactly the variant matching the run's operation may be set; an
// entirely empty payload means defaults.
type RunOptions struct {
	Process  *ProcessOptions  `json:"process,omitempty"`
	Validate *ValidateOptions `json:"validate,omitempty"`
	Publish  *PublishOptions  `json:"publish,omitempty"`
}

func (o RunOptions) variantsSet() int {
	n := 0
	if o.Process != nil {
		n++
	}
	if o.Validate != nil {
		n++
	}
	if o.Publish != nil {
		n++
	}
	return n
}

// ValidateFor checks the payload against the run's operation.
func (o RunOptions) ValidateFor(op Operation) error {
	if o.variantsSet() > 1 {
		return fmt.Errorf("run options must carry at most one variant")
	}
	switch op {
	case OpProcess:
		if o.Validate != nil || o.Publish != nil {
			return fmt.Errorf("run options variant does not match operation %s", op)
		}
		if o.Process != nil {
			if err := optionsValidator.Struct(o.Process); err != nil {
				return fmt.Errorf("invalid process options: %w", err)
			}
		}
	case OpValidate:
		if o.Process != nil || o.Publish != nil {
			return fmt.Errorf("run options variant does not match operation %s", op)
		}
		if o.Validate != nil {
			if err := optionsValidator.Struct(o.Validate); err != nil {
				return fmt.Errorf("invalid validate options: %w", err)
			}
		}
	case OpPublish:
		if o.Process != nil || o.Validate != nil {
			return fmt.Errorf("run options variant does not match operation %s", op)
		}
		if o.Publish != nil {
			if err := optionsValidator.Struct(o.Publish); err != nil {
				return fmt.Errorf("invalid publish options: %w", err)
			}
		}
	default:
		return fmt.Errorf("invalid operation %q", op)
	}
	return nil
}
