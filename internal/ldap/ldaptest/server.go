// Package ldaptest provides an in-process domain controller that answers
// SASL bind requests, for tests of the relay transport.
package ldaptest

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
	"strconv"
	"sync"
	"testing"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// BindRequest is a decoded SASL bind request.
type BindRequest struct {
	MessageID   int64
	Version     int64
	Name        string
	Mechanism   string
	Credentials []byte
	Conn        int // 1-based connection ordinal
}

// Response describes how the server answers one request.
type Response struct {
	ResultCode      uint16
	MatchedDN       string
	Diagnostic      string
	ServerSASLCreds []byte

	MessageID int64  // overrides the echoed messageID when non-zero
	Raw       []byte // written verbatim instead of an encoded response
	Hang      bool   // never answer
	Close     bool   // close the connection without answering
}

// Handler answers a bind request.
type Handler func(req BindRequest) Response

// Challenge answers with saslBindInProgress carrying creds.
func Challenge(creds []byte) Response {
	return Response{ResultCode: ldap.LDAPResultSaslBindInProgress, ServerSASLCreds: creds}
}

// Success answers with result code success.
func Success() Response {
	return Response{ResultCode: ldap.LDAPResultSuccess}
}

// Reject answers with invalidCredentials.
func Reject(diagnostic string) Response {
	return Response{ResultCode: ldap.LDAPResultInvalidCredentials, Diagnostic: diagnostic}
}

// NTLMHandler challenges the first request on a connection with creds and
// answers the second with final.
func NTLMHandler(creds []byte, final Response) Handler {
	return func(req BindRequest) Response {
		if req.MessageID == 1 {
			return Challenge(creds)
		}
		return final
	}
}

// Server is a fake domain controller listening on the loopback interface.
type Server struct {
	ln      net.Listener
	handler Handler
	pool    *x509.CertPool
	certs   [][]byte

	mu       sync.Mutex
	conns    []net.Conn
	requests []BindRequest
	closed   bool
	wg       sync.WaitGroup
}

// NewServer starts a plain LDAP server. It is closed by t.Cleanup.
func NewServer(t testing.TB, handler Handler) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ldaptest: listen: %v", err)
	}
	return start(t, ln, handler, nil)
}

// NewTLSServer starts an LDAPS server with a self-signed certificate for 127.0.0.1.
func NewTLSServer(t testing.TB, handler Handler) *Server {
	t.Helper()

	cert, pool, err := selfSigned()
	if err != nil {
		t.Fatalf("ldaptest: certificate: %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		t.Fatalf("ldaptest: listen: %v", err)
	}
	s := start(t, ln, handler, pool)
	s.certs = cert.Certificate
	return s
}

func start(t testing.TB, ln net.Listener, handler Handler, pool *x509.CertPool) *Server {
	s := &Server{ln: ln, handler: handler, pool: pool}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Host returns the listening host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.ln.Addr().String())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.ln.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// CertPool returns the pool trusting a TLS server's certificate.
func (s *Server) CertPool() *x509.CertPool {
	return s.pool
}

// Certificates returns the DER certificates served by a TLS server.
func (s *Server) Certificates() [][]byte {
	return s.certs
}

// Requests returns every bind request received so far.
func (s *Server) Requests() []BindRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BindRequest(nil), s.requests...)
}

// Connections returns the number of accepted connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops the listener and every open connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	_ = s.ln.Close()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns = append(s.conns, conn)
		ordinal := len(s.conns)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn, ordinal)
	}
}

func (s *Server) handle(conn net.Conn, ordinal int) {
	defer s.wg.Done()
	defer conn.Close()

	for {
		packet, err := ber.ReadPacket(conn)
		if err != nil {
			return
		}

		req, err := decodeBindRequest(packet)
		if err != nil {
			return
		}
		req.Conn = ordinal

		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		resp := s.handler(req)
		switch {
		case resp.Close:
			return
		case resp.Hang:
			continue
		case resp.Raw != nil:
			if _, err := conn.Write(resp.Raw); err != nil {
				return
			}
			continue
		}

		id := req.MessageID
		if resp.MessageID != 0 {
			id = resp.MessageID
		}
		if _, err := conn.Write(BindResponse(id, resp)); err != nil {
			return
		}
	}
}

func decodeBindRequest(p *ber.Packet) (BindRequest, error) {
	if len(p.Children) < 2 {
		return BindRequest{}, fmt.Errorf("ldap message has %d children", len(p.Children))
	}
	id, ok := p.Children[0].Value.(int64)
	if !ok {
		return BindRequest{}, fmt.Errorf("missing messageID")
	}

	op := p.Children[1]
	if op.ClassType != ber.ClassApplication || op.Tag != ldap.ApplicationBindRequest || len(op.Children) < 3 {
		return BindRequest{}, fmt.Errorf("not a bind request")
	}

	req := BindRequest{MessageID: id}
	req.Version, _ = op.Children[0].Value.(int64)
	req.Name, _ = op.Children[1].Value.(string)

	auth := op.Children[2]
	if len(auth.Children) > 0 {
		req.Mechanism, _ = auth.Children[0].Value.(string)
	}
	if len(auth.Children) > 1 {
		req.Credentials = append([]byte(nil), auth.Children[1].ByteValue...)
	}
	return req, nil
}

// BindResponse encodes an LDAPMessage carrying a BindResponse.
func BindResponse(messageID int64, resp Response) []byte {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationBindResponse, nil, "Bind Response")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(resp.ResultCode), "resultCode"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, resp.MatchedDN, "matchedDN"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, resp.Diagnostic, "diagnosticMessage"))
	if resp.ServerSASLCreds != nil {
		op.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 7, string(resp.ServerSASLCreds), "serverSaslCreds"))
	}

	msg := ber.NewSequence("LDAP Message")
	msg.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, messageID, "MessageID"))
	msg.AppendChild(op)
	return msg.Bytes()
}

func selfSigned() (tls.Certificate, *x509.CertPool, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "ldaptest"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, nil, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool, nil
}
