/*
Package ldap carries NTLM messages to an Active Directory domain controller
inside LDAP SASL binds using the GSS-SPNEGO mechanism.

# Architecture Overview

  - SPNEGOBind: encodes BindRequest PDUs and decodes BindResponse PDUs
  - Transport: one TCP or TLS connection running a negotiate/authenticate pair
  - SRVDiscovery: locates domain controllers through _ldaps._tcp and _ldap._tcp records

# Bind Sequence

Negotiate opens a fresh connection and sends the client's Type 1
message as bind message 1, returning the controller's Type 2 challenge from
serverSaslCreds. Authenticate sends the Type 3 message as bind message 2 on
the same connection and reports whether the controller accepted it. The
controller binds the challenge to the connection, so the two calls must share
one Transport.

# Failover

Servers listed in TransportConfig are dialed in order until one accepts the
connection. Failover happens only while opening: once a challenge has been
issued the connection is pinned.

# Error Handling

Errors are classified with GetErrorCategory:

  - ProtocolMismatchError: the response was not a bind response for the request
  - TransportError: network I/O failed or timed out
  - BindError: the controller answered with a non-success result code

# Example Usage

	servers, err := ldap.NewSRVDiscovery(nil, logger).DiscoverDomainControllers(ctx, "example.com")
	if err != nil {
		return err
	}

	t := ldap.NewTransport(ldap.TransportConfig{Servers: servers})
	defer t.Close()

	challenge, err := t.Negotiate(ctx, type1)
	if err != nil {
		return err
	}
	// ... deliver challenge to the client, receive type3 ...
	ok, err := t.Authenticate(ctx, type3)
*/
package ldap
