package engine

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/ubio/ubioproxy/pkg/auth"
	"github.com/ubio/ubioproxy/pkg/perror"
	"github.com/ubio/ubioproxy/pkg/upstream"
)

var errPartitionSignatureInvalid = errors.New("partition signature invalid")

// verifyPartitionHeader enforces an inbound X-Partition-Signature when one
// is present: a missing signature is allowed through untouched (not every
// hop in a chain signs), but a present, invalid one is rejected outright
// as a forged partition-affinity claim.
func (e *Engine) verifyPartitionHeader(r *http.Request) error {
	if e.opts.PartitionSigner == nil {
		return nil
	}
	if r.Header.Get(auth.HeaderPartitionSignature) == "" {
		return nil
	}
	if _, ok := e.opts.PartitionSigner.VerifyPartitionSignature(r); !ok {
		return &perror.AuthenticationFailed{Status: http.StatusForbidden, Err: errPartitionSignatureInvalid}
	}
	return nil
}

// signPartitionHeaders returns up unchanged when no signer is configured or
// partitionID is empty, otherwise a shallow copy of up carrying the signed
// partition headers merged into ConnectHeaders. Every hedged attempt calls
// this with the same partitionID, so each presents the same partition id;
// the timestamp and signature are computed per attempt from the signer's
// clock, so they match across attempts only when signed within the same
// second.
func (e *Engine) signPartitionHeaders(up *upstream.Upstream, targetHost, partitionID string) *upstream.Upstream {
	if up == nil || e.opts.PartitionSigner == nil || partitionID == "" {
		return up
	}

	probe := &http.Request{Method: http.MethodConnect, URL: &url.URL{Host: targetHost}, Header: make(http.Header)}
	if err := e.opts.PartitionSigner.AttachPartitionSignature(probe, partitionID); err != nil {
		return up
	}

	clone := *up
	headers := make(map[string]string, len(up.ConnectHeaders)+3)
	for k, v := range up.ConnectHeaders {
		headers[k] = v
	}
	headers[auth.HeaderPartitionID] = probe.Header.Get(auth.HeaderPartitionID)
	headers[auth.HeaderPartitionSignature] = probe.Header.Get(auth.HeaderPartitionSignature)
	headers[auth.HeaderPartitionTimestamp] = probe.Header.Get(auth.HeaderPartitionTimestamp)
	clone.ConnectHeaders = headers
	return &clone
}
