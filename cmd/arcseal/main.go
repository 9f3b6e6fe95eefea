// Command arcseal reads an RFC 5322 message from stdin, validates its
// existing ARC chain, seals a new ARC set recording that verdict plus
// a caller-supplied Authentication-Results value, and writes the
// sealed message to stdout with the new AAR/AMS/AS prepended.
package main

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/arcseal/arcseal/arclib"
	"github.com/arcseal/arcseal/internal/debugdump"
	"github.com/arcseal/arcseal/internal/mailreader"
	"github.com/arcseal/arcseal/seal"
)

func main() {
	var (
		keyPath     = flag.String("key", "", "path to a PEM-encoded PKCS#1 or PKCS#8 private key (required)")
		domain      = flag.String("domain", "", "signing domain, the d= tag (required)")
		selector    = flag.String("selector", "", "signing selector, the s= tag (required)")
		authResults = flag.String("auth-results", "", "Authentication-Results content for the new ARC-Authentication-Results")
		ttl         = flag.Duration("ttl", 0, "signature lifetime written as x=; 0 omits x=")
		timeout     = flag.Duration("timeout", 5*time.Second, "DNS resolution timeout per lookup")
		verbose     = flag.Bool("v", false, "log debug detail for each resolver/chain event")
	)
	flag.Parse()

	if *keyPath == "" || *domain == "" || *selector == "" {
		fmt.Fprintln(os.Stderr, "arcseal: -key, -domain, and -selector are required")
		flag.Usage()
		os.Exit(2)
	}

	signer, err := loadSigner(*keyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "arcseal: %v\n", err)
		os.Exit(1)
	}

	logger := zap.NewNop()
	if *verbose {
		l, lerr := zap.NewDevelopment()
		if lerr != nil {
			fmt.Fprintf(os.Stderr, "arcseal: building logger: %v\n", lerr)
			os.Exit(1)
		}
		logger = l
	}
	defer logger.Sync()

	msg, err := mailreader.Read(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "arcseal: %v\n", err)
		os.Exit(1)
	}

	lib := arclib.New(arclib.WithLogger(logger), arclib.WithSignatureTTL(*ttl))
	defer lib.Close()

	m := arclib.NewMessage(lib, arclib.ModeVerify|arclib.ModeSign, arclib.WithResolveTimeout(*timeout))
	for _, h := range msg.Headers {
		if err := m.HeaderField(h); err != nil {
			fmt.Fprintf(os.Stderr, "arcseal: header field: %v\n", err)
			os.Exit(1)
		}
	}
	if err := m.EOH(); err != nil {
		fmt.Fprintf(os.Stderr, "arcseal: %v\n", err)
		os.Exit(1)
	}
	if err := m.Body(msg.Body); err != nil {
		fmt.Fprintf(os.Stderr, "arcseal: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout*2)
	defer cancel()
	result, err := m.EOM(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "arcseal: %v\n", err)
		os.Exit(1)
	}
	debugdump.Result(os.Stderr, "chain result before sealing", result)

	sealed, err := m.GetSeal(seal.Config{
		Key:          signer,
		Domain:       *domain,
		Selector:     *selector,
		SignatureTTL: *ttl,
	}, *authResults)
	if err != nil {
		fmt.Fprintf(os.Stderr, "arcseal: sealing: %v\n", err)
		os.Exit(1)
	}
	if sealed == nil {
		fmt.Fprintf(os.Stderr, "arcseal: chain is latched infail, refusing to seal\n")
		os.Exit(1)
	}

	fmt.Fprint(os.Stdout, sealed.AS)
	fmt.Fprint(os.Stdout, sealed.AMS)
	fmt.Fprint(os.Stdout, sealed.AAR)
	for _, h := range msg.Headers {
		fmt.Fprint(os.Stdout, h)
	}
	fmt.Fprint(os.Stdout, "\r\n")
	os.Stdout.Write(msg.Body)
}

// loadSigner reads a PEM-encoded private key and returns it as a
// crypto.Signer, accepting both PKCS#1 (RSA-specific) and PKCS#8
// (algorithm-agnostic, covers RSA and Ed25519) encodings.
func loadSigner(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key in %s is not a signer", path)
	}
	return signer, nil
}
