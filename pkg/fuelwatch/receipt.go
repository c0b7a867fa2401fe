package fuelwatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// ReceiptSigner computes deterministic HMAC-SHA256 signatures and opaque
// tokens for receipts, and signs audit payloads with the same secret.
type ReceiptSigner struct {
	secret []byte
}

// NewReceiptSigner validates the secret and returns a signer.
func NewReceiptSigner(secret []byte) (*ReceiptSigner, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidSigningSecret)
	}
	return &ReceiptSigner{secret: secret}, nil
}

// canonicalPayload is the stable string covered by the signature:
// id|transaction_id|station_id|amount(2dp)|issued_at_unix.
func (signer *ReceiptSigner) canonicalPayload(receipt Receipt) string {
	stationID := ""
	if receipt.StationID != nil {
		stationID = *receipt.StationID
	}
	return fmt.Sprintf("%s|%s|%s|%s|%d",
		receipt.ReceiptID,
		receipt.TransactionID,
		stationID,
		receipt.Amount.StringFixed(amountPlaces),
		receipt.IssuedAt.Unix(),
	)
}

// Sign computes the lowercase-hex HMAC-SHA256 signature of the receipt.
func (signer *ReceiptSigner) Sign(receipt Receipt) string {
	mac := hmac.New(sha256.New, signer.secret)
	mac.Write([]byte(signer.canonicalPayload(receipt)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Token derives the opaque receipt token: unpadded
// base64url("{id}:{signature}"). Deterministic for a given id and signature.
func (signer *ReceiptSigner) Token(receipt Receipt) string {
	signature := receipt.Signature
	if signature == "" {
		signature = signer.Sign(receipt)
	}
	raw := receipt.ReceiptID + ":" + signature
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Prepare fills in signature and token when absent. Both are always present
// after first persistence and never supplied by the caller.
func (signer *ReceiptSigner) Prepare(receipt Receipt) (Receipt, error) {
	if receipt.ReceiptID == "" {
		return Receipt{}, WrapError("receipt", "sign", "missing_id", ErrUnknownReceipt)
	}
	if receipt.Signature == "" {
		receipt.Signature = signer.Sign(receipt)
	}
	if receipt.Token == "" {
		receipt.Token = signer.Token(receipt)
	}
	return receipt, nil
}

// VerifySignature recomputes the signature and compares in constant time.
func (signer *ReceiptSigner) VerifySignature(receipt Receipt, signature string) bool {
	recomputed := signer.Sign(receipt)
	return hmac.Equal([]byte(recomputed), []byte(signature))
}

// SignAuditPayload signs the canonical JSON encoding of an audit payload.
// encoding/json marshals map keys in sorted order, which keeps the encoding
// stable for a given payload.
func (signer *ReceiptSigner) SignAuditPayload(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", WrapError("audit", "payload", "marshal", err)
	}
	mac := hmac.New(sha256.New, signer.secret)
	mac.Write(encoded)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyAuditPayload checks a stored audit signature against its payload.
func (signer *ReceiptSigner) VerifyAuditPayload(payload map[string]any, signature string) bool {
	recomputed, err := signer.SignAuditPayload(payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(recomputed), []byte(signature))
}

// DecodeReceiptToken splits a token back into receipt id and signature.
func DecodeReceiptToken(token string) (string, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return "", "", WrapError("receipt", "token", "decode", ErrBadTokenFormat)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", WrapError("receipt", "token", "split", ErrBadTokenFormat)
	}
	return parts[0], parts[1], nil
}
