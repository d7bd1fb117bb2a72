package dispatch

import (
	"encoding/json"
	"fmt"
)

// DeliveryError is a failed provider call. Permanent failures (bad
// recipient, provider rejected the payload) skip further retries and go
// straight to the dead-letter queue; everything else is retried until
// exhaustion. Misclassifying a retryable error as permanent loses a
// notification forever, so the default is retryable.
type DeliveryError struct {
	Channel    string
	StatusCode int
	Response   []byte
	Err        error
	permanent  bool
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery failed with status %d: %v", e.Channel, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s delivery failed: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Permanent() bool { return e.permanent }

// ProviderResponse returns the captured response body if it is valid
// JSON, so the DLQ entry can carry it.
func (e *DeliveryError) ProviderResponse() json.RawMessage {
	if json.Valid(e.Response) {
		return json.RawMessage(e.Response)
	}
	return nil
}

// retryable wraps err as a transient delivery failure.
func retryable(channel string, err error) *DeliveryError {
	return &DeliveryError{Channel: channel, Err: err}
}

// permanentErr wraps err as a failure not worth retrying.
func permanentErr(channel string, err error) *DeliveryError {
	return &DeliveryError{Channel: channel, Err: err, permanent: true}
}

// fromStatus classifies a non-2xx provider response. 400, 404 and 410
// signal a bad recipient or rejected payload; 408, 429 and 5xx are
// transient.
func fromStatus(channel string, status int, body []byte) *DeliveryError {
	perm := status == 400 || status == 404 || status == 410
	return &DeliveryError{
		Channel:    channel,
		StatusCode: status,
		Response:   body,
		Err:        fmt.Errorf("provider returned status %d", status),
		permanent:  perm,
	}
}

// ConfigError reports a missing credential or endpoint. It fails the
// attempt fast and is retryable, so a misconfiguration fixed mid-deploy
// self-heals, but the worker logs it as an alert.
type ConfigError struct {
	Channel string
	Missing string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s provider not configured: missing %s", e.Channel, e.Missing)
}

func (e *ConfigError) ConfigError() bool { return true }
