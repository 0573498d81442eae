// Package tlstest writes a throwaway CA and leaf certificates for tests.
package tlstest

import (
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "math/big"
    "net"
    "os"
    "path/filepath"
    "testing"
    "time"
)

// Files are PEM paths produced by Generate. The node pair is valid for both
// server and client auth on 127.0.0.1 and localhost, as coordinators forward
// to each other with the same identity.
type Files struct {
    CA         string
    NodeCert   string
    NodeKey    string
    ClientCert string
    ClientKey  string
}

// Generate writes a CA, a node pair and a client-only pair into dir.
func Generate(t testing.TB, dir string) Files {
    t.Helper()
    caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    if err != nil { t.Fatalf("ca key: %v", err) }
    caTpl := &x509.Certificate{
        SerialNumber:          big.NewInt(1),
        Subject:               pkix.Name{CommonName: "safemode-test-ca"},
        NotBefore:             time.Now().Add(-time.Hour),
        NotAfter:              time.Now().Add(24 * time.Hour),
        KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
        IsCA:                  true,
        BasicConstraintsValid: true,
    }
    caDER, err := x509.CreateCertificate(rand.Reader, caTpl, caTpl, &caKey.PublicKey, caKey)
    if err != nil { t.Fatalf("ca cert: %v", err) }
    f := Files{CA: filepath.Join(dir, "ca.crt")}
    writePEM(t, f.CA, "CERTIFICATE", caDER)

    leaf := func(serial int64, cn, name string, usage ...x509.ExtKeyUsage) (string, string) {
        key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
        if err != nil { t.Fatalf("%s key: %v", cn, err) }
        tpl := &x509.Certificate{
            SerialNumber: big.NewInt(serial),
            Subject:      pkix.Name{CommonName: cn},
            NotBefore:    time.Now().Add(-time.Hour),
            NotAfter:     time.Now().Add(24 * time.Hour),
            KeyUsage:     x509.KeyUsageDigitalSignature,
            ExtKeyUsage:  usage,
            IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
            DNSNames:     []string{"localhost"},
        }
        der, err := x509.CreateCertificate(rand.Reader, tpl, caTpl, &key.PublicKey, caKey)
        if err != nil { t.Fatalf("%s cert: %v", cn, err) }
        keyDER, err := x509.MarshalECPrivateKey(key)
        if err != nil { t.Fatalf("%s key: %v", cn, err) }
        crt, kp := filepath.Join(dir, name+".crt"), filepath.Join(dir, name+".key")
        writePEM(t, crt, "CERTIFICATE", der)
        writePEM(t, kp, "EC PRIVATE KEY", keyDER)
        return crt, kp
    }
    f.NodeCert, f.NodeKey = leaf(2, "safemode-node", "node", x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth)
    f.ClientCert, f.ClientKey = leaf(3, "safemode-client", "client", x509.ExtKeyUsageClientAuth)
    return f
}

func writePEM(t testing.TB, path, typ string, der []byte) {
    t.Helper()
    b := pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
    if err := os.WriteFile(path, b, 0o600); err != nil { t.Fatalf("write %s: %v", path, err) }
}
