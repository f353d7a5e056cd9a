// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Based on src/crypto/tls/generate_cert.go from the Go SDK, modified by the
// Gopcua Authors for OPC UA client certificates.

package uaclient

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// generateCertificate creates a self-signed application instance certificate
// with the key size and signature algorithm the security policy expects.
func generateCertificate(securityPolicy string, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	rsaBits := 2048
	sigAlg := x509.SHA256WithRSA
	switch securityPolicy {
	case "Basic256":
		sigAlg = x509.SHA1WithRSA
	case "Basic128Rsa15":
		rsaBits = 1024
		sigAlg = x509.SHA1WithRSA
	}

	priv, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", err)
	}

	// Start at the beginning of the year so PLCs with a skewed clock accept it.
	now := time.Now().UTC()
	notBefore := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)

	// 127 bits keep the DER integer positive.
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial number: %w", err)
	}

	clientID := uuid.NewString()
	appURI, err := url.Parse("urn:" + applicationName + ":client-" + clientID)
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   applicationName + "-" + clientID[:8],
			Organization: []string{"UMH"},
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validFor),
		BasicConstraintsValid: true,
		SignatureAlgorithm:    sigAlg,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		URIs:                  []*url.URL{appURI},
		// OPC UA Part 6 requires all four bits; CertSign is for self-signed
		// certificates on servers that validate it.
		KeyUsage: x509.KeyUsageDigitalSignature |
			x509.KeyUsageContentCommitment |
			x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDataEncipherment |
			x509.KeyUsageCertSign,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	return certPEM, keyPEM, nil
}
