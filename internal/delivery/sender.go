package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/shohag/pushrelay/internal/config"
	"github.com/shohag/pushrelay/internal/models"
)

// Result is the outcome of one send to one device.
type Result struct {
	Success    bool
	StatusCode int
	// Permanent means the device can never receive pushes again.
	Permanent bool
	// Rejected means the payload itself can never be sent to any device.
	Rejected     bool
	ResponseBody string
	LatencyMs    int64
	Error        string
}

// Sender performs a single push to a single device. Implementations must
// honour ctx's deadline.
type Sender interface {
	Send(ctx context.Context, device models.Device, payload []byte) Result
}

type WebPushSender struct {
	client *http.Client
	cfg    config.WebPushConfig
}

func NewWebPushSender(cfg config.WebPushConfig, timeout time.Duration) *WebPushSender {
	return &WebPushSender{
		client: &http.Client{
			Timeout: timeout,
		},
		cfg: cfg,
	}
}

func (s *WebPushSender) Send(ctx context.Context, device models.Device, payload []byte) Result {
	start := time.Now()

	sub := &webpush.Subscription{
		Endpoint: device.Endpoint,
		Keys: webpush.Keys{
			P256dh: device.P256dh,
			Auth:   device.Auth,
		},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.cfg.Subscriber,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
		TTL:             s.cfg.TTL,
		Urgency:         webpush.Urgency(s.cfg.Urgency),
	})
	if err != nil {
		return Result{
			Rejected:  errors.Is(err, webpush.ErrMaxPadExceeded),
			Error:     fmt.Sprintf("push failed: %v", err),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return classify(resp.StatusCode, string(body), time.Since(start).Milliseconds())
}

func classify(statusCode int, body string, latencyMs int64) Result {
	r := Result{
		StatusCode:   statusCode,
		ResponseBody: body,
		LatencyMs:    latencyMs,
	}
	switch {
	case IsSuccess(statusCode):
		r.Success = true
	case IsGone(statusCode):
		r.Permanent = true
		r.Error = fmt.Sprintf("subscription gone (status %d)", statusCode)
	default:
		r.Error = fmt.Sprintf("push service returned status %d", statusCode)
	}
	return r
}

// GenerateVAPIDKeys returns a new application server key pair.
func GenerateVAPIDKeys() (privateKey, publicKey string, err error) {
	return webpush.GenerateVAPIDKeys()
}
