package knobs

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Duration wraps time.Duration so TOML files can express knob values as
// strings like "5ms" or "1.5s".
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.WithStack(err)
	}
	d.Duration = parsed
	return nil
}
