package bitfinex

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	signaturePrefix = "/api"

	headerNonce     = "bfx-nonce"
	headerAPIKey    = "bfx-apikey"
	headerSignature = "bfx-signature"
)

// Signer produces authenticated headers for private endpoints.
//
// The nonce starts at the construction time in milliseconds and advances by one on
// every call. A nonce is consumed even when the request it signed later fails.
type Signer struct {
	apiKey    string
	apiSecret []byte
	nonce     atomic.Int64
}

func NewSigner(apiKey, apiSecret string) *Signer {
	s := &Signer{
		apiKey:    apiKey,
		apiSecret: []byte(apiSecret),
	}
	s.nonce.Store(time.Now().UnixMilli())
	return s
}

// Sign encodes body and returns it with the headers that authenticate it. The
// returned bytes must be sent as-is since the signature covers them.
func (s *Signer) Sign(path string, body any) ([]byte, map[string]string, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("encode body: %w", err)
		}
	}

	nonce := strconv.FormatInt(s.nonce.Add(1), 10)
	signature := s.signature(signaturePrefix + path + nonce + string(payload))

	return payload, map[string]string{
		"Content-Type":  "application/json",
		"Accept":        "application/json",
		headerNonce:     nonce,
		headerAPIKey:    s.apiKey,
		headerSignature: signature,
	}, nil
}

func (s *Signer) signature(message string) string {
	mac := hmac.New(sha512.New384, s.apiSecret)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
