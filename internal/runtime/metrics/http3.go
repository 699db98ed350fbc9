package metrics

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
)

// HTTP3Server serves a registry over HTTP/3.
type HTTP3Server struct {
	srv   *http3.Server
	addr  string
	pc    net.PacketConn
	close func() error
}

func NewHTTP3Server(addr string, tlsCfg *tls.Config, reg *Registry) *HTTP3Server {
	return &HTTP3Server{
		srv:  &http3.Server{Addr: addr, TLSConfig: http3.ConfigureTLSConfig(tlsCfg), Handler: reg.Handler()},
		addr: addr,
	}
}

// Start binds the UDP socket and serves in the background. It returns the
// bound address.
func (s *HTTP3Server) Start() (string, error) {
	pc, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return "", fmt.Errorf("metrics: listen udp %s: %w", s.addr, err)
	}
	s.pc = pc
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.srv.Serve(pc); err != nil && err != http.ErrServerClosed {
			log.Debugf("http3 metrics server: %s", err)
		}
	}()
	s.close = func() error {
		err := s.srv.Close()
		_ = s.pc.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return err
	}
	bound := pc.LocalAddr().String()
	log.Infof("serving metrics on https://%s/metrics (http/3)", bound)
	return bound, nil
}

func (s *HTTP3Server) Stop() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// HTTP3Client returns a client speaking HTTP/3 only.
func HTTP3Client(tlsCfg *tls.Config, timeout time.Duration) *http.Client {
	return &http.Client{Transport: &http3.Transport{TLSClientConfig: tlsCfg}, Timeout: timeout}
}

// CloseHTTP3Client releases the QUIC connections held by c.
func CloseHTTP3Client(c *http.Client) {
	if tr, ok := c.Transport.(*http3.Transport); ok {
		_ = tr.Close()
	}
}

// SelfSignedTLS creates a throwaway certificate for hosts, for serving
// metrics on a trusted network without provisioning keys.
func SelfSignedTLS(hosts ...string) (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("metrics: generate key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "waffle metrics"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(7 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("metrics: create certificate: %w", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS13}, nil
}
