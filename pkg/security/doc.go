/*
Package security implements the controller's Certificate Authority and
certificate lifecycle management for mutual TLS between the controller,
plugin-hosted nodes, and operator clients.

# Certificate Authority

CertAuthority holds a self-signed, long-lived root (10-year validity,
RSA 4096-bit) and issues short-lived leaf certificates from it:

	Root CA (self-signed)
	├── 10-year validity
	├── RSA 4096-bit key
	├── KeyUsage: CertSign, CRLSign
	└── Subject: CN=Nimbus Root CA, O=Nimbus Fleet

Node certificates (IssueNodeCertificate) carry both ServerAuth and
ClientAuth extended key usage so a plugin-hosted node can both accept the
controller's connections and dial back to it; client certificates
(IssueClientCertificate) carry only ClientAuth, for operator CLIs.

	ca := security.NewCertAuthority()
	if err := ca.Initialize(); err != nil {
		// handle error
	}
	nodeCert, err := ca.IssueNodeCertificate(nodeID, "node", dnsNames, ipAddrs)

The root key and certificate persist as PEM files (ca.key, ca.crt) under
a directory via SaveToDir/LoadFromDir — no encryption at rest beyond
filesystem permissions (0600 on the key), matching how node/client
certificates themselves are stored by SaveCertToFile.

Issued certificates are cached in memory by id (GetCachedCert) to avoid
re-issuing on every reconnect within a process lifetime.

# Certificate files

certs.go locates and persists certificate material on disk under
~/.nimbus/certs/<role>-<id>/ (GetCertDir) or ~/.nimbus/certs/cli/
(GetCLICertDir), as node.crt/node.key/ca.crt PEM files. CertNeedsRotation
flags a certificate within 30 days of expiry.
*/
package security
