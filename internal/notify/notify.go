package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/fuelwatch/pkg/fuelwatch"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultHTTPTimeout = 10 * time.Second
)

// Sender delivers a receipt message to a phone number over one channel.
type Sender interface {
	SendReceipt(ctx context.Context, phone string, message string) error
}

// LogSender writes the message to the log instead of a provider. Used in
// development and as the fallback when no provider is configured.
type LogSender struct {
	Logger *zap.Logger
}

// SendReceipt implements Sender.
func (sender LogSender) SendReceipt(ctx context.Context, phone string, message string) error {
	logger := sender.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("sms receipt",
		zap.String("phone", phone),
		zap.String("message", message))
	return nil
}

// HTTPSender posts the message to an SMS gateway endpoint.
type HTTPSender struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

type smsRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// SendReceipt implements Sender.
func (sender HTTPSender) SendReceipt(ctx context.Context, phone string, message string) error {
	payload, err := json.Marshal(smsRequest{Phone: phone, Message: message})
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, sender.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	if sender.APIKey != "" {
		request.Header.Set("Authorization", "Bearer "+sender.APIKey)
	}
	client := sender.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned status %d", response.StatusCode)
	}
	return nil
}

// Deliverer sends receipts with retries and records successful delivery.
type Deliverer struct {
	service     *fuelwatch.Service
	sender      Sender
	logger      *zap.Logger
	maxAttempts int
	baseDelay   time.Duration
	verifyBase  string
}

// DelivererOption configures a Deliverer.
type DelivererOption func(*Deliverer)

// WithMaxAttempts caps the delivery attempts per receipt.
func WithMaxAttempts(attempts int) DelivererOption {
	return func(deliverer *Deliverer) {
		if attempts > 0 {
			deliverer.maxAttempts = attempts
		}
	}
}

// WithBaseDelay sets the backoff base delay.
func WithBaseDelay(delay time.Duration) DelivererOption {
	return func(deliverer *Deliverer) {
		if delay > 0 {
			deliverer.baseDelay = delay
		}
	}
}

// WithVerifyBase sets the public base URL embedded in receipt messages.
func WithVerifyBase(base string) DelivererOption {
	return func(deliverer *Deliverer) {
		deliverer.verifyBase = base
	}
}

// NewDeliverer wires a Deliverer.
func NewDeliverer(service *fuelwatch.Service, sender Sender, logger *zap.Logger, options ...DelivererOption) *Deliverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	deliverer := &Deliverer{
		service:     service,
		sender:      sender,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
	}
	for _, option := range options {
		if option != nil {
			option(deliverer)
		}
	}
	return deliverer
}

// Deliver sends the receipt to its customer phone, retrying transient sender
// failures with exponential backoff. A receipt without a phone number is
// recorded as delivered immediately; there is nowhere to send it.
func (deliverer *Deliverer) Deliver(ctx context.Context, receipt fuelwatch.Receipt) error {
	if receipt.SentTo == nil || *receipt.SentTo == "" {
		_, err := deliverer.service.MarkReceiptDelivered(ctx, receipt.ReceiptID)
		return err
	}

	message := deliverer.receiptMessage(receipt)
	var lastErr error
	for attempt := 1; attempt <= deliverer.maxAttempts; attempt++ {
		lastErr = deliverer.sender.SendReceipt(ctx, *receipt.SentTo, message)
		if lastErr == nil {
			_, err := deliverer.service.MarkReceiptDelivered(ctx, receipt.ReceiptID)
			return err
		}
		deliverer.logger.Warn("receipt delivery attempt failed",
			zap.String("receipt_id", receipt.ReceiptID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt == deliverer.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDelay(deliverer.baseDelay, attempt)):
		}
	}
	return fmt.Errorf("receipt %s delivery failed after %d attempts: %w",
		receipt.ReceiptID, deliverer.maxAttempts, lastErr)
}

func (deliverer *Deliverer) receiptMessage(receipt fuelwatch.Receipt) string {
	amount := receipt.Amount.StringFixed(2)
	if deliverer.verifyBase != "" {
		return fmt.Sprintf("Fuel receipt: %s. Verify at %s/receipts/verify?token=%s", amount, deliverer.verifyBase, receipt.Token)
	}
	return fmt.Sprintf("Fuel receipt: %s. Verification token: %s", amount, receipt.Token)
}

// backoffDelay doubles the base per attempt: base, 2*base, 4*base, ...
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for index := 1; index < attempt; index++ {
		delay *= 2
	}
	return delay
}
