package connector

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/gorilla/websocket"
)

// Conn is one websocket connection. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// TLSPolicy decides which certificates are trusted. Without VerifyPeer a
// self-signed server certificate is accepted with a warning; every other
// verification failure still closes the connection.
type TLSPolicy struct {
	VerifyPeer bool
	CAFile     string
}

type WSDialer struct {
	dialer *websocket.Dialer
}

// NewWSDialer builds a websocket dialer that honours the proxy environment
// and applies policy to TLS connections.
func NewWSDialer(policy TLSPolicy, handshakeTimeout time.Duration, logger logging.Logger) (*WSDialer, error) {
	var roots *x509.CertPool
	if policy.CAFile != "" {
		pem, err := os.ReadFile(policy.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", policy.CAFile)
		}
	}

	v := &verifier{policy: policy, roots: roots, logger: logger.With("module", "tls")}
	return &WSDialer{dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			// Verification runs in VerifyConnection so that the policy can
			// inspect every failure.
			InsecureSkipVerify: true,
			VerifyConnection:   v.verify,
		},
	}}, nil
}

func (d *WSDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: %w", common.ErrTransport, resp.Status, err)
		}
		return nil, fmt.Errorf("%w: %w", common.ErrTransport, err)
	}
	return conn, nil
}

type verifier struct {
	policy TLSPolicy
	roots  *x509.CertPool
	logger logging.Logger
}

func (v *verifier) verify(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("tls: no peer certificate")
	}
	errs := certificateErrors(cs.PeerCertificates, v.roots, cs.ServerName)
	if len(errs) == 0 {
		return nil
	}
	if !v.policy.VerifyPeer && selfSignedOnly(errs, cs.PeerCertificates) {
		v.logger.Warn(context.Background(), "accepting self-signed server certificate", "server", cs.ServerName)
		return nil
	}
	return errors.Join(errs...)
}

// certificateErrors returns every verification failure of the chain.
func certificateErrors(certs []*x509.Certificate, roots *x509.CertPool, serverName string) []error {
	leaf := certs[0]
	var errs []error

	if serverName != "" {
		if err := leaf.VerifyHostname(serverName); err != nil {
			errs = append(errs, err)
		}
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates}); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// selfSignedOnly reports whether every error stems from a lone self-signed
// certificate.
func selfSignedOnly(errs []error, certs []*x509.Certificate) bool {
	if len(certs) != 1 {
		return false
	}
	leaf := certs[0]
	if !bytes.Equal(leaf.RawIssuer, leaf.RawSubject) {
		return false
	}
	if leaf.CheckSignature(leaf.SignatureAlgorithm, leaf.RawTBSCertificate, leaf.Signature) != nil {
		return false
	}
	for _, err := range errs {
		var ua x509.UnknownAuthorityError
		var sr x509.SystemRootsError
		if !errors.As(err, &ua) && !errors.As(err, &sr) {
			return false
		}
	}
	return true
}
