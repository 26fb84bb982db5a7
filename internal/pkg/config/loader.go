// Package config holds the fail-open environment loaders shared by the
// worker components.
//
// A loader never fails. An unset variable yields the default silently; a
// value that does not parse or validate yields the default plus a warning,
// and the caller decides how loudly to report it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Outcome describes how a value was resolved.
type Outcome struct {
	Warnings        []string
	FallbackApplied bool
}

// LoadResult is a resolved configuration value.
type LoadResult[T any] struct {
	Value T
	Outcome
}

// LoadEnvString returns the variable, or defaultValue when it is unset.
func LoadEnvString(envKey, defaultValue string) string {
	if value := os.Getenv(envKey); value != "" {
		return value
	}
	return defaultValue
}

// LoadEnvWithFallback returns the variable if validator accepts it. A nil
// validator accepts everything.
func LoadEnvWithFallback(envKey, defaultValue string, validator func(string) error) LoadResult[string] {
	return loadEnv(envKey, defaultValue, func(s string) (string, error) { return s, nil }, validator)
}

// LoadEnvDuration parses the variable with time.ParseDuration ("30s", "1h30m").
func LoadEnvDuration(envKey string, defaultValue time.Duration, validator func(time.Duration) error) LoadResult[time.Duration] {
	return loadEnv(envKey, defaultValue, time.ParseDuration, validator)
}

// LoadEnvInt parses the variable as a base 10 integer.
func LoadEnvInt(envKey string, defaultValue int, validator func(int) error) LoadResult[int] {
	return loadEnv(envKey, defaultValue, func(s string) (int, error) {
		v, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("invalid integer format")
		}
		return v, nil
	}, validator)
}

// LoadEnvFloat parses the variable as a float64.
func LoadEnvFloat(envKey string, defaultValue float64, validator func(float64) error) LoadResult[float64] {
	return loadEnv(envKey, defaultValue, func(s string) (float64, error) {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number format")
		}
		return v, nil
	}, validator)
}

// LoadEnvBool accepts the spellings understood by strconv.ParseBool.
func LoadEnvBool(envKey string, defaultValue bool) LoadResult[bool] {
	return loadEnv(envKey, defaultValue, func(s string) (bool, error) {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return false, fmt.Errorf("invalid boolean format, expected 'true' or 'false'")
		}
		return v, nil
	}, nil)
}

func loadEnv[T any](envKey string, defaultValue T, parse func(string) (T, error), validator func(T) error) LoadResult[T] {
	raw := os.Getenv(envKey)
	if raw == "" {
		return LoadResult[T]{Value: defaultValue}
	}

	fallback := func(err error) LoadResult[T] {
		return LoadResult[T]{
			Value: defaultValue,
			Outcome: Outcome{
				Warnings:        []string{fmt.Sprintf("Invalid %s='%s': %v, falling back to default '%v'", envKey, raw, err, defaultValue)},
				FallbackApplied: true,
			},
		}
	}

	value, err := parse(raw)
	if err != nil {
		return fallback(err)
	}
	if validator != nil {
		if err := validator(value); err != nil {
			return fallback(err)
		}
	}
	return LoadResult[T]{Value: value}
}
