package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/storefront/internal/model"
)

// SignatureHeader はWebhook署名を運ぶHTTPヘッダー名。
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance は署名タイムスタンプの許容誤差。
const DefaultTolerance = 5 * time.Minute

// Webhookで扱うイベント種別。
const (
	EventCheckoutCompleted             = "checkout.session.completed"
	EventCheckoutExpired               = "checkout.session.expired"
	EventCheckoutAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

// Event はWebhookで受け取るイベント。
type Event struct {
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	Session Session `json:"-"`
}

type rawEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// WebhookVerifier はWebhookの署名を検証してイベントを復元する。
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewWebhookVerifier はWebhookVerifierを生成する。
func NewWebhookVerifier(secret string, tolerance time.Duration) *WebhookVerifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &WebhookVerifier{secret: secret, tolerance: tolerance, now: time.Now}
}

// ParseEvent は署名を検証し、イベントを返す。
// 署名不正・期限外・形式不正の場合はINVALID_SIGNATUREを返す。
func (v *WebhookVerifier) ParseEvent(payload []byte, header string) (*Event, error) {
	if err := v.Verify(payload, header); err != nil {
		return nil, err
	}

	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, model.NewValidationError("Webhookの形式が不正です。")
	}

	event := &Event{ID: raw.ID, Type: raw.Type}
	if strings.HasPrefix(raw.Type, "checkout.session.") && len(raw.Data.Object) > 0 {
		if err := json.Unmarshal(raw.Data.Object, &event.Session); err != nil {
			return nil, model.NewValidationError("Webhookの形式が不正です。")
		}
	}
	return event, nil
}

// Verify は "t=<unix>,v1=<hex>" 形式の署名ヘッダーを検証する。
func (v *WebhookVerifier) Verify(payload []byte, header string) error {
	var timestamp int64
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return model.NewInvalidSignatureError()
			}
			timestamp = ts
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == 0 || len(signatures) == 0 {
		return model.NewInvalidSignatureError()
	}

	signedAt := time.Unix(timestamp, 0)
	if diff := v.now().Sub(signedAt); diff > v.tolerance || diff < -v.tolerance {
		return model.NewInvalidSignatureError()
	}

	expected := computeSignature(v.secret, timestamp, payload)
	for _, sig := range signatures {
		decoded, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return model.NewInvalidSignatureError()
}

// Sign はペイロードに対する署名ヘッダー値を生成する。
func Sign(secret string, payload []byte, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(computeSignature(secret, ts, payload)))
}

func computeSignature(secret string, timestamp int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}
