package workqueue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/docforge-labs/docforge-go/internal/platform/env"
)

const ProfileSchemaV1 = "docforge.queue.v1"

// Tuning holds the queue's operational parameters. The exact lease duration
// and backoff curve are deployment tunables, not fixed behavior.
type Tuning struct {
	LeaseDuration time.Duration
	SweepInterval time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	SweepBatch    int
}

func DefaultTuning() Tuning {
	return Tuning{
		LeaseDuration: 5 * time.Minute,
		SweepInterval: 15 * time.Second,
		BackoffBase:   10 * time.Second,
		BackoffCap:    10 * time.Minute,
		SweepBatch:    100,
	}
}

func (t Tuning) Validate() error {
	if t.LeaseDuration <= 0 {
		return errors.New("lease duration must be positive")
	}
	if t.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	if t.BackoffBase <= 0 {
		return errors.New("backoff base must be positive")
	}
	if t.BackoffCap < t.BackoffBase {
		return errors.New("backoff cap must be >= backoff base")
	}
	if t.SweepBatch < 1 {
		return errors.New("sweep batch must be >= 1")
	}
	return nil
}

// Backoff returns the requeue delay after the given attempt: exponential in
// the attempt count, capped, so reclaimed runs do not thunder back at once.
func (t Tuning) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := t.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= t.BackoffCap {
			return t.BackoffCap
		}
	}
	if d > t.BackoffCap {
		return t.BackoffCap
	}
	return d
}

type profileDoc struct {
	Schema        string `yaml:"schema"`
	LeaseDuration string `yaml:"lease_duration"`
	SweepInterval string `yaml:"sweep_interval"`
	BackoffBase   string `yaml:"backoff_base"`
	BackoffCap    string `yaml:"backoff_cap"`
	SweepBatch    int    `yaml:"sweep_batch"`
}

// ParseProfile reads a declarative queue tuning document. Absent fields keep
// their defaults.
func ParseProfile(input []byte) (Tuning, error) {
	var doc profileDoc
	if err := yaml.Unmarshal(input, &doc); err != nil {
		return Tuning{}, fmt.Errorf("decode queue profile: %w", err)
	}
	if strings.TrimSpace(doc.Schema) != ProfileSchemaV1 {
		return Tuning{}, fmt.Errorf("unsupported queue profile schema %q", doc.Schema)
	}

	tuning := DefaultTuning()
	var err error
	if tuning.LeaseDuration, err = overrideDuration(doc.LeaseDuration, tuning.LeaseDuration); err != nil {
		return Tuning{}, fmt.Errorf("lease_duration: %w", err)
	}
	if tuning.SweepInterval, err = overrideDuration(doc.SweepInterval, tuning.SweepInterval); err != nil {
		return Tuning{}, fmt.Errorf("sweep_interval: %w", err)
	}
	if tuning.BackoffBase, err = overrideDuration(doc.BackoffBase, tuning.BackoffBase); err != nil {
		return Tuning{}, fmt.Errorf("backoff_base: %w", err)
	}
	if tuning.BackoffCap, err = overrideDuration(doc.BackoffCap, tuning.BackoffCap); err != nil {
		return Tuning{}, fmt.Errorf("backoff_cap: %w", err)
	}
	if doc.SweepBatch > 0 {
		tuning.SweepBatch = doc.SweepBatch
	}
	if err := tuning.Validate(); err != nil {
		return Tuning{}, err
	}
	return tuning, nil
}

// TuningFromEnv loads defaults overridden by environment settings.
func TuningFromEnv() (Tuning, error) {
	tuning := DefaultTuning()
	var err error
	if tuning.LeaseDuration, err = env.Duration("DOCFORGE_QUEUE_LEASE_DURATION", tuning.LeaseDuration); err != nil {
		return Tuning{}, err
	}
	if tuning.SweepInterval, err = env.Duration("DOCFORGE_QUEUE_SWEEP_INTERVAL", tuning.SweepInterval); err != nil {
		return Tuning{}, err
	}
	if tuning.BackoffBase, err = env.Duration("DOCFORGE_QUEUE_BACKOFF_BASE", tuning.BackoffBase); err != nil {
		return Tuning{}, err
	}
	if tuning.BackoffCap, err = env.Duration("DOCFORGE_QUEUE_BACKOFF_CAP", tuning.BackoffCap); err != nil {
		return Tuning{}, err
	}
	if tuning.SweepBatch, err = env.Int("DOCFORGE_QUEUE_SWEEP_BATCH", tuning.SweepBatch); err != nil {
		return Tuning{}, err
	}
	if err := tuning.Validate(); err != nil {
		return Tuning{}, err
	}
	return tuning, nil
}

func overrideDuration(raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	return time.ParseDuration(raw)
}
