// Package config holds the settings of the event bus: broker endpoint,
// exchange and queue names, TTLs and the message retry policy.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// RetrySuffix is appended to exchange, queue and routing key names on the retry path
const RetrySuffix = ".retry"

// DeadLetterSuffix is appended to the exchange name to form the dead-letter exchange
const DeadLetterSuffix = ".dlx"

// Settings configures the event bus
type Settings struct {
	// URL is the full AMQP endpoint. When set it wins over Host/Port/credentials.
	URL      string
	Host     string
	Port     int
	VHost    string
	Username string
	Password string

	// QueueName is the queue consumed by this process. Publishing does not use it,
	// published events are routed by their type name.
	QueueName          string
	QueueTTLSeconds    int
	ExchangeName       string
	ExchangeTTLSeconds int

	// ConnectRetryCount bounds the connection and publish-transport retries
	ConnectRetryCount int
	PrefetchCount     int
	ConfirmTimeout    time.Duration

	Retry RetryPolicy
}

// RetryPolicy configures message-level retries through the retry queue
type RetryPolicy struct {
	Enabled                 bool
	MaxRetry                int
	DelayMilliseconds       int
	ExponentialDelayEnabled bool
	// ConfirmRepublish waits for a broker confirm of the retry hop before the
	// original delivery is acknowledged
	ConfirmRepublish bool
}

// Defaults returns settings with the default values applied
func Defaults() Settings {
	return Settings{
		Host:              "localhost",
		Port:              5672,
		VHost:             "/",
		Username:          "guest",
		Password:          "guest",
		ConnectRetryCount: 5,
		PrefetchCount:     10,
		ConfirmTimeout:    5 * time.Second,
		Retry: RetryPolicy{
			MaxRetry:         5,
			ConfirmRepublish: true,
		},
	}
}

// Validate checks the settings
func (s Settings) Validate() error {
	err := validation.ValidateStruct(&s,
		validation.Field(&s.QueueName, validation.Required, validation.By(noRetrySuffix)),
		validation.Field(&s.ExchangeName, validation.Required, validation.By(noRetrySuffix)),
		validation.Field(&s.Host, validation.When(s.URL == "", validation.Required)),
		validation.Field(&s.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&s.QueueTTLSeconds, validation.Min(0)),
		validation.Field(&s.ExchangeTTLSeconds, validation.Min(0)),
		validation.Field(&s.ConnectRetryCount, validation.Min(0)),
		validation.Field(&s.PrefetchCount, validation.Min(0)),
		validation.Field(&s.ConfirmTimeout, validation.Min(time.Duration(0))),
		validation.Field(&s.Retry),
	)
	if err != nil {
		return fmt.Errorf("invalid event bus settings: %w", err)
	}
	return nil
}

// Validate checks the retry policy
func (r RetryPolicy) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxRetry, validation.Min(0)),
		validation.Field(&r.DelayMilliseconds, validation.Min(0)),
	)
}

func noRetrySuffix(value interface{}) error {
	name, _ := value.(string)
	if strings.HasSuffix(name, RetrySuffix) {
		return errors.New("must not end with " + RetrySuffix)
	}
	return nil
}

// AMQPURL returns the broker endpoint
func (s Settings) AMQPURL() string {
	if s.URL != "" {
		return s.URL
	}

	host := s.Host
	if s.Port > 0 {
		host = host + ":" + strconv.Itoa(s.Port)
	}

	u := url.URL{
		Scheme: "amqp",
		Host:   host,
		Path:   "/",
	}
	if s.Username != "" {
		u.User = url.UserPassword(s.Username, s.Password)
	}
	if s.VHost != "" && s.VHost != "/" {
		u.Path = "/" + strings.TrimPrefix(s.VHost, "/")
	}
	return u.String()
}

// DeadLetterExchange returns the name of the dead-letter exchange
func (s Settings) DeadLetterExchange() string {
	return s.ExchangeName + DeadLetterSuffix
}

// RetryExchange returns the name of the retry exchange
func (s Settings) RetryExchange() string {
	return s.ExchangeName + RetrySuffix
}

// RetryQueue returns the name of the retry queue
func (s Settings) RetryQueue() string {
	return s.QueueName + RetrySuffix
}

// RetryDelay returns the delay of the retry hop with the given retry count
func (r RetryPolicy) RetryDelay(retryCount int) time.Duration {
	delay := r.DelayMilliseconds
	if r.ExponentialDelayEnabled {
		delay = r.DelayMilliseconds * retryCount
	}
	return time.Duration(delay) * time.Millisecond
}

// TransportRetries is the number of retries applied to publish transport errors
func (s Settings) TransportRetries() int {
	if !s.Retry.Enabled {
		return 0
	}
	return s.Retry.MaxRetry
}
