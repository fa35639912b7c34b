package layercache

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ExpireMode defines how first tier entries expire.
type ExpireMode int

const (
	// ExpireAfterWrite sets entry deadline once, when value is written.
	ExpireAfterWrite ExpireMode = iota
	// ExpireAfterAccess moves entry deadline forward on every successful read.
	ExpireAfterAccess
)

// String returns mode name.
func (m ExpireMode) String() string {
	switch m {
	case ExpireAfterWrite:
		return "WRITE"
	case ExpireAfterAccess:
		return "ACCESS"
	default:
		return "ExpireMode(" + strconv.Itoa(int(m)) + ")"
	}
}

// FirstTierSettings controls process-local tier of a cache.
type FirstTierSettings struct {
	// InitialCapacity is a hint for expected number of entries.
	InitialCapacity int

	// MaxSize is the maximum number of entries, least recently used entries are evicted beyond it.
	MaxSize int

	// ExpireAfter is entry time to live in TimeUnit units.
	ExpireAfter int64

	// TimeUnit is a unit of ExpireAfter, e.g. time.Second.
	TimeUnit time.Duration

	// ExpireMode selects fixed or sliding expiration.
	ExpireMode ExpireMode
}

// TTL returns entry time to live.
func (s FirstTierSettings) TTL() time.Duration {
	return time.Duration(s.ExpireAfter) * s.TimeUnit
}

// Validate checks settings.
func (s FirstTierSettings) Validate() error {
	switch {
	case s.MaxSize <= 0:
		return fmt.Errorf("%w: first tier max size must be positive, %d given", ErrInvalidSettings, s.MaxSize)
	case s.InitialCapacity < 0:
		return fmt.Errorf("%w: first tier initial capacity is negative", ErrInvalidSettings)
	case s.InitialCapacity > s.MaxSize:
		return fmt.Errorf("%w: first tier initial capacity %d exceeds max size %d",
			ErrInvalidSettings, s.InitialCapacity, s.MaxSize)
	case s.TTL() <= 0:
		return fmt.Errorf("%w: first tier ttl must be positive", ErrInvalidSettings)
	case s.ExpireMode != ExpireAfterWrite && s.ExpireMode != ExpireAfterAccess:
		return fmt.Errorf("%w: unknown expire mode %s", ErrInvalidSettings, s.ExpireMode)
	}

	return nil
}

func (s FirstTierSettings) String() string {
	return fmt.Sprintf("first{cap=%d,max=%d,expire=%d,unit=%s,mode=%s}",
		s.InitialCapacity, s.MaxSize, s.ExpireAfter, s.TimeUnit, s.ExpireMode)
}

// SecondTierSettings controls shared remote tier of a cache.
type SecondTierSettings struct {
	// ExpireAfter is entry time to live in TimeUnit units.
	ExpireAfter int64

	// PreloadThreshold is remaining time to live in TimeUnit units that triggers auto refresh.
	PreloadThreshold int64

	// TimeUnit is a unit of ExpireAfter and PreloadThreshold.
	TimeUnit time.Duration

	// AutoRefresh enables background refresh of entries close to expiration.
	AutoRefresh bool
}

// TTL returns entry time to live.
func (s SecondTierSettings) TTL() time.Duration {
	return time.Duration(s.ExpireAfter) * s.TimeUnit
}

// Preload returns remaining time to live that triggers auto refresh.
func (s SecondTierSettings) Preload() time.Duration {
	return time.Duration(s.PreloadThreshold) * s.TimeUnit
}

// Validate checks settings.
func (s SecondTierSettings) Validate() error {
	switch {
	case s.TTL() <= 0:
		return fmt.Errorf("%w: second tier ttl must be positive", ErrInvalidSettings)
	case s.PreloadThreshold < 0:
		return fmt.Errorf("%w: second tier preload threshold is negative", ErrInvalidSettings)
	case s.AutoRefresh && s.Preload() >= s.TTL():
		return fmt.Errorf("%w: second tier preload threshold %s must be below ttl %s",
			ErrInvalidSettings, s.Preload(), s.TTL())
	}

	return nil
}

func (s SecondTierSettings) String() string {
	return fmt.Sprintf("second{expire=%d,preload=%d,unit=%s,refresh=%t}",
		s.ExpireAfter, s.PreloadThreshold, s.TimeUnit, s.AutoRefresh)
}

// LayeringSettings combines settings of both tiers.
//
// Settings are compared by value, two equal settings under the same name resolve to the same cache instance.
type LayeringSettings struct {
	First  FirstTierSettings
	Second SecondTierSettings

	// Label is a human-readable description.
	Label string
}

// Validate checks settings of both tiers.
func (s LayeringSettings) Validate() error {
	if err := s.First.Validate(); err != nil {
		return err
	}

	return s.Second.Validate()
}

func (s LayeringSettings) String() string {
	return s.First.String() + s.Second.String() + "label=" + strconv.Quote(s.Label)
}

// Fingerprint returns a short stable identifier of settings values.
//
// Fields are hashed as they are, so equal durations in different units have different fingerprints
// just like they are different settings for Registry.
func (s LayeringSettings) Fingerprint() string {
	return strconv.FormatUint(xxhash.Sum64String(s.String()), 36)
}
