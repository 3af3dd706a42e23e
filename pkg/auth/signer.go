// Package auth provides an optional HMAC-based signer that chained
// ubioproxy instances can use to prove a CONNECT's X-Partition-Id header
// actually originated from a trusted peer, rather than being forged by a
// client trying to steer partition-based upstream affinity.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	HeaderPartitionID        = "X-Partition-Id"
	HeaderPartitionSignature = "X-Partition-Signature"
	HeaderPartitionTimestamp = "X-Partition-Timestamp"
)

// Signer computes and verifies the HMAC that binds a partition id to a
// specific CONNECT target and point in time.
type Signer struct {
	Key    string
	Secret string
	Now    func() time.Time
}

// NewSigner constructs a signer with the provided key/secret and sane defaults.
func NewSigner(key, secret string) *Signer {
	return &Signer{
		Key:    key,
		Secret: secret,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// AttachPartitionSignature signs (method, target host, partitionID,
// timestamp) and sets the partition id/signature/timestamp headers on req.
// Every hedged outbound attempt for the same CONNECT calls this with the
// same partitionID, so the partition's identity survives regardless of
// which attempt wins the race. The timestamp comes from s.Now, so two calls
// yield the same signature only when s.Now returns the same second.
func (s *Signer) AttachPartitionSignature(req *http.Request, partitionID string) error {
	if s.Key == "" || s.Secret == "" {
		return fmt.Errorf("signer key and secret must be set")
	}
	if partitionID == "" {
		return fmt.Errorf("partition id must not be empty")
	}

	timestamp := s.Now().Format(time.RFC3339)
	signature := s.sign(req.Method, req.URL.Host, partitionID, timestamp)

	req.Header.Set(HeaderPartitionID, partitionID)
	req.Header.Set(HeaderPartitionSignature, signature)
	req.Header.Set(HeaderPartitionTimestamp, timestamp)
	return nil
}

// VerifyPartitionSignature recomputes the HMAC over the headers req
// carries and reports whether it matches, along with the partition id it
// vouches for.
func (s *Signer) VerifyPartitionSignature(req *http.Request) (partitionID string, ok bool) {
	partitionID = req.Header.Get(HeaderPartitionID)
	signature := req.Header.Get(HeaderPartitionSignature)
	timestamp := req.Header.Get(HeaderPartitionTimestamp)
	if partitionID == "" || signature == "" || timestamp == "" {
		return "", false
	}

	want := s.sign(req.Method, req.URL.Host, partitionID, timestamp)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(want)) {
		return "", false
	}
	return partitionID, true
}

func (s *Signer) sign(method, host, partitionID, timestamp string) string {
	payload := strings.Join([]string{method, host, partitionID, timestamp}, "\n")
	mac := hmac.New(sha256.New, []byte(s.Secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
