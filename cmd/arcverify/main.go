// Command arcverify reads an RFC 5322 message from stdin, validates
// its ARC chain, evaluates SPF/DKIM/DMARC against the same message,
// and prints the resulting Authentication-Results-style verdicts.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/arcseal/arcseal/arclib"
	"github.com/arcseal/arcseal/authresults"
	"github.com/arcseal/arcseal/domainkey"
	"github.com/arcseal/arcseal/internal/debugdump"
	"github.com/arcseal/arcseal/internal/mailreader"
)

func main() {
	var (
		authservID = flag.String("authserv-id", "localhost", "authserv-id for the Authentication-Results field")
		clientIP   = flag.String("client-ip", "", "connecting SMTP client address, for SPF evaluation")
		helo       = flag.String("helo", "", "HELO/EHLO argument the client presented")
		mailFrom   = flag.String("mail-from", "", "envelope sender (MAIL FROM)")
		timeout    = flag.Duration("timeout", 5*time.Second, "DNS resolution timeout per lookup")
		verbose    = flag.Bool("v", false, "log debug detail for each resolver/chain event")
	)
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "arcverify: building logger: %v\n", err)
			os.Exit(1)
		}
		logger = l
	}
	defer logger.Sync()

	msg, err := mailreader.Read(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "arcverify: %v\n", err)
		os.Exit(1)
	}

	lib := arclib.New(arclib.WithLogger(logger))
	defer lib.Close()

	m := arclib.NewMessage(lib, arclib.ModeVerify, arclib.WithResolveTimeout(*timeout))
	for _, h := range msg.Headers {
		if err := m.HeaderField(h); err != nil {
			fmt.Fprintf(os.Stderr, "arcverify: header field: %v\n", err)
			os.Exit(1)
		}
	}
	if err := m.EOH(); err != nil {
		fmt.Fprintf(os.Stderr, "arcverify: %v\n", err)
		os.Exit(1)
	}
	if err := m.Body(msg.Body); err != nil {
		fmt.Fprintf(os.Stderr, "arcverify: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout*2)
	defer cancel()
	result, err := m.EOM(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "arcverify: %v\n", err)
		os.Exit(1)
	}
	debugdump.Result(os.Stderr, "chain result", result)

	fmt.Printf("ARC chain: status=%s sets=%d oldest-pass=%d infail=%v\n",
		result.Status, result.Sets, result.OldestPass, result.InFail)

	ar := authresults.Evaluate(authresults.Request{
		Receiver:     *authservID,
		ClientIP:     net.ParseIP(*clientIP),
		HELO:         *helo,
		MailFrom:     *mailFrom,
		Headers:      msg.Headers,
		Body:         msg.Body,
		DKIMResolver: domainkey.NewDefaultTXTResolver(),
	})
	fmt.Printf("Authentication-Results: %s\n", ar)

	if m.LastError() != "" {
		fmt.Fprintf(os.Stderr, "arcverify: last error: %s\n", m.LastError())
	}
}
