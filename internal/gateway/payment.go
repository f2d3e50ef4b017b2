package gateway

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type verifyRequest struct {
	QuoteID      string `json:"quote_id"`
	PaymentProof string `json:"payment_proof"`
}

// HTTPVerifier checks payments against a verification service:
//
//	POST {base}/verify {"quote_id", "payment_proof"} → {"paid", "tx_hash"}
//
// 402 and 422 responses are definitive rejections.
type HTTPVerifier struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPVerifier creates a verifier with the given request timeout.
func NewHTTPVerifier(base string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPVerifier{
		BaseURL: base,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (v *HTTPVerifier) VerifyPayment(ctx context.Context, quoteID, proof string) (Verification, error) {
	body, _ := json.Marshal(verifyRequest{QuoteID: quoteID, PaymentProof: proof})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.BaseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return Verification{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := v.HTTP.Do(req)
	if err != nil {
		return Verification{}, fmt.Errorf("payment verify: %w", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusPaymentRequired, res.StatusCode == http.StatusUnprocessableEntity:
		return Verification{}, fmt.Errorf("%w: quote %s (http %d)", ErrPaymentRejected, quoteID, res.StatusCode)
	case res.StatusCode >= 300:
		return Verification{}, fmt.Errorf("payment verify http %d", res.StatusCode)
	}

	var out Verification
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Verification{}, fmt.Errorf("payment verify: decode: %w", err)
	}
	return out, nil
}

// SimulatedPayments accepts any non-empty proof. The tx hash is derived from
// the quote id.
type SimulatedPayments struct{}

func (SimulatedPayments) VerifyPayment(_ context.Context, quoteID, proof string) (Verification, error) {
	if proof == "" {
		return Verification{Paid: false}, nil
	}
	h := hex.EncodeToString([]byte(quoteID))
	if len(h) > 64 {
		h = h[:64]
	}
	return Verification{Paid: true, TxHash: "0x" + h}, nil
}
