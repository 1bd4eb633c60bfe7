package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// DeliveryOptions: настройки исходящей HTTP-доставки
type DeliveryOptions struct {
	RatePerSecond float64       // 0 = без ограничения
	Attempts      uint          // попыток на одно сообщение
	BaseDelay     time.Duration // старт экспоненциального бэкоффа
	Timeout       time.Duration // таймаут одной попытки
}

func DefaultDeliveryOptions() DeliveryOptions {
	return DeliveryOptions{
		RatePerSecond: 10,
		Attempts:      3,
		BaseDelay:     200 * time.Millisecond,
		Timeout:       10 * time.Second,
	}
}

// permanentError: 4xx (кроме 429): повтор не поможет
type permanentError struct {
	status int
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("webhook rejected with status %d", e.status)
}

// deliveryClient: POST JSON с лимитером, предохранителем и ретраями.
// Один экземпляр на адаптер: сбои Slack не открывают предохранитель для Teams.
type deliveryClient struct {
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	opts    DeliveryOptions
}

func newDeliveryClient(name string, hc *http.Client, opts DeliveryOptions) *deliveryClient {
	if hc == nil {
		hc = &http.Client{}
	}
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notify-" + name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}

	return &deliveryClient{
		http:    hc,
		cb:      cb,
		limiter: rate.NewLimiter(limit, 5),
		opts:    opts,
	}
}

func (c *deliveryClient) postJSON(ctx context.Context, url string, body []byte, headers map[string]string) error {
	// 1. Rate Limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notify rate limit: %w", err)
	}

	// 2. Circuit Breaker
	_, err := c.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(c.opts.Attempts),
			retry.Delay(c.opts.BaseDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				var pErr *permanentError
				return !errors.As(err, &pErr)
			}),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Получатель сам сказал, сколько ждать
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		return nil, r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()
			return c.once(tCtx, url, body, headers)
		})
	})
	return err
}

func (c *deliveryClient) once(ctx context.Context, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &permanentError{status: 0}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ThrottleError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Cause:      fmt.Errorf("status %d", resp.StatusCode),
		}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &permanentError{status: resp.StatusCode}
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}

func parseRetryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return time.Second
}
