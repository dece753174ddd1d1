package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv
const EnvPrefix = "EVENTBUS_"

// LoadFromEnv loads settings from EVENTBUS_* environment variables on top of Defaults
func LoadFromEnv() (Settings, error) {
	return loadFromLookup(os.LookupEnv)
}

func loadFromLookup(lookup func(string) (string, bool)) (Settings, error) {
	d := Defaults()
	env := envReader{lookup: lookup}

	s := Settings{
		URL:                env.str("URL", d.URL),
		Host:               env.str("HOST", d.Host),
		Port:               env.int("PORT", d.Port),
		VHost:              env.str("VHOST", d.VHost),
		Username:           env.str("USERNAME", d.Username),
		Password:           env.str("PASSWORD", d.Password),
		QueueName:          env.str("QUEUE_NAME", d.QueueName),
		QueueTTLSeconds:    env.int("QUEUE_TTL_SECONDS", d.QueueTTLSeconds),
		ExchangeName:       env.str("EXCHANGE_NAME", d.ExchangeName),
		ExchangeTTLSeconds: env.int("EXCHANGE_TTL_SECONDS", d.ExchangeTTLSeconds),
		ConnectRetryCount:  env.int("CONNECT_RETRY_COUNT", d.ConnectRetryCount),
		PrefetchCount:      env.int("PREFETCH_COUNT", d.PrefetchCount),
		ConfirmTimeout:     env.duration("CONFIRM_TIMEOUT", d.ConfirmTimeout),
		Retry: RetryPolicy{
			Enabled:                 env.bool("RETRY_ENABLED", d.Retry.Enabled),
			MaxRetry:                env.int("RETRY_MAX_RETRY", d.Retry.MaxRetry),
			DelayMilliseconds:       env.int("RETRY_DELAY_MILLISECONDS", d.Retry.DelayMilliseconds),
			ExponentialDelayEnabled: env.bool("RETRY_EXPONENTIAL_DELAY_ENABLED", d.Retry.ExponentialDelayEnabled),
			ConfirmRepublish:        env.bool("RETRY_CONFIRM_REPUBLISH", d.Retry.ConfirmRepublish),
		},
	}

	if len(env.errs) > 0 {
		return Settings{}, fmt.Errorf("failed to load settings: %s", strings.Join(env.errs, "; "))
	}
	return s, nil
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []string
}

func (r *envReader) raw(key string) (string, bool) {
	value, ok := r.lookup(EnvPrefix + key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func (r *envReader) str(key, defaultValue string) string {
	if value, ok := r.raw(key); ok {
		return value
	}
	return defaultValue
}

func (r *envReader) int(key string, defaultValue int) int {
	value, ok := r.raw(key)
	if !ok {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
		return defaultValue
	}
	return n
}

func (r *envReader) bool(key string, defaultValue bool) bool {
	value, ok := r.raw(key)
	if !ok {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
		return defaultValue
	}
	return b
}

func (r *envReader) duration(key string, defaultValue time.Duration) time.Duration {
	value, ok := r.raw(key)
	if !ok {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
		return defaultValue
	}
	return d
}
