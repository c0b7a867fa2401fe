package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/fuelwatch/pkg/fuelwatch"
)

type flakySender struct {
	failures int
	calls    int
	messages []string
}

func (sender *flakySender) SendReceipt(ctx context.Context, phone string, message string) error {
	sender.calls++
	sender.messages = append(sender.messages, message)
	if sender.calls <= sender.failures {
		return errors.New("gateway unavailable")
	}
	return nil
}

type deliveryStore struct {
	fuelwatch.Store
	receipt   fuelwatch.Receipt
	audits    []fuelwatch.AuditLog
	sentCalls int
}

func (store *deliveryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore fuelwatch.Store) error) error {
	return fn(ctx, store)
}

func (store *deliveryStore) GetReceipt(ctx context.Context, receiptID string) (fuelwatch.Receipt, error) {
	if receiptID != store.receipt.ReceiptID {
		return fuelwatch.Receipt{}, fuelwatch.ErrUnknownReceipt
	}
	return store.receipt, nil
}

func (store *deliveryStore) MarkReceiptSent(ctx context.Context, receiptID string, at time.Time) error {
	if receiptID != store.receipt.ReceiptID {
		return fuelwatch.ErrUnknownReceipt
	}
	store.receipt.SentAt = &at
	store.sentCalls++
	return nil
}

func (store *deliveryStore) InsertAuditLog(ctx context.Context, entry fuelwatch.AuditLog) (fuelwatch.AuditLog, error) {
	store.audits = append(store.audits, entry)
	return entry, nil
}

func newDeliveryFixture(test *testing.T, phone *string) (*deliveryStore, *fuelwatch.Service, fuelwatch.Receipt) {
	test.Helper()
	signer, err := fuelwatch.NewReceiptSigner([]byte("notify-test-secret"))
	if err != nil {
		test.Fatalf("new signer: %v", err)
	}
	receipt, err := signer.Prepare(fuelwatch.Receipt{
		ReceiptID:     "receipt-1",
		TransactionID: "tx-1",
		Amount:        decimal.RequireFromString("330.00"),
		IssuedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		SentTo:        phone,
		Method:        "sms",
	})
	if err != nil {
		test.Fatalf("prepare receipt: %v", err)
	}
	store := &deliveryStore{receipt: receipt}
	service, err := fuelwatch.NewService(store, signer, func() time.Time {
		return time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	})
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return store, service, receipt
}

func TestDeliverRetriesThenSucceeds(test *testing.T) {
	test.Parallel()
	phone := "+15550001111"
	store, service, receipt := newDeliveryFixture(test, &phone)
	sender := &flakySender{failures: 2}
	deliverer := NewDeliverer(service, sender, nil, WithBaseDelay(time.Millisecond))

	if err := deliverer.Deliver(context.Background(), receipt); err != nil {
		test.Fatalf("deliver: %v", err)
	}
	if sender.calls != 3 {
		test.Fatalf("expected 3 attempts, got %d", sender.calls)
	}
	if store.sentCalls != 1 {
		test.Fatalf("expected one sent mark, got %d", store.sentCalls)
	}
	if len(sender.messages) == 0 || !strings.Contains(sender.messages[0], receipt.Token) {
		test.Fatal("message must carry the receipt token")
	}
}

func TestDeliverGivesUpAfterMaxAttempts(test *testing.T) {
	test.Parallel()
	phone := "+15550001111"
	store, service, receipt := newDeliveryFixture(test, &phone)
	sender := &flakySender{failures: 10}
	deliverer := NewDeliverer(service, sender, nil, WithMaxAttempts(3), WithBaseDelay(time.Millisecond))

	err := deliverer.Deliver(context.Background(), receipt)
	if err == nil {
		test.Fatal("expected delivery failure")
	}
	if sender.calls != 3 {
		test.Fatalf("expected 3 attempts, got %d", sender.calls)
	}
	if store.sentCalls != 0 {
		test.Fatal("failed delivery must not mark the receipt sent")
	}
}

func TestDeliverWithoutPhoneMarksImmediately(test *testing.T) {
	test.Parallel()
	store, service, receipt := newDeliveryFixture(test, nil)
	sender := &flakySender{}
	deliverer := NewDeliverer(service, sender, nil)

	if err := deliverer.Deliver(context.Background(), receipt); err != nil {
		test.Fatalf("deliver: %v", err)
	}
	if sender.calls != 0 {
		test.Fatal("no phone means no send attempts")
	}
	if store.sentCalls != 1 {
		test.Fatal("receipt must still be marked delivered")
	}
}

func TestBackoffDelayDoublesPerAttempt(test *testing.T) {
	test.Parallel()
	base := 100 * time.Millisecond
	expectations := map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
	}
	for attempt, expected := range expectations {
		if got := backoffDelay(base, attempt); got != expected {
			test.Fatalf("attempt %d: expected %s, got %s", attempt, expected, got)
		}
	}
}

func TestHTTPSenderPostsToGateway(test *testing.T) {
	test.Parallel()
	var gotAuth string
	var gotBody smsRequest
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		gotAuth = request.Header.Get("Authorization")
		_ = jsonDecode(request, &gotBody)
		writer.WriteHeader(http.StatusAccepted)
	}))
	test.Cleanup(server.Close)

	sender := HTTPSender{Endpoint: server.URL, APIKey: "secret-key"}
	if err := sender.SendReceipt(context.Background(), "+15550001111", "hello"); err != nil {
		test.Fatalf("send: %v", err)
	}
	if gotAuth != "Bearer secret-key" {
		test.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotBody.Phone != "+15550001111" || gotBody.Message != "hello" {
		test.Fatalf("unexpected body: %+v", gotBody)
	}
}

func TestHTTPSenderRejectsErrorStatus(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusBadGateway)
	}))
	test.Cleanup(server.Close)

	sender := HTTPSender{Endpoint: server.URL}
	if err := sender.SendReceipt(context.Background(), "+15550001111", "hello"); err == nil {
		test.Fatal("expected an error for a 5xx response")
	}
}

func jsonDecode(request *http.Request, target any) error {
	defer func() { _ = request.Body.Close() }()
	return json.NewDecoder(request.Body).Decode(target)
}
