package arclib

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arcseal/arcseal/chain"
	"github.com/arcseal/arcseal/internal/buffer"
	"github.com/arcseal/arcseal/internal/canonical"
	"github.com/arcseal/arcseal/seal"
	"github.com/arcseal/arcseal/tables"
)

// Mode is the operating-mode mask a Message runs under: verification,
// signing, or both against the same intake.
type Mode uint8

const (
	ModeVerify Mode = 1 << iota
	ModeSign
)

// Message is a single mail transaction's ARC context: it feeds header
// fields and body bytes through chain validation, optionally seals a
// new ARC set onto the result, and carries a correlation ID a host can
// fold into its own per-connection logging. Not safe for concurrent
// use; create one per message.
type Message struct {
	id  string
	lib *Lib

	mode Mode

	chainMsg       *chain.Message
	headerFix      canonical.CRLFFixer
	bodyFix        canonical.CRLFFixer
	resolveTimeout time.Duration

	headers []string
	bodyBuf *buffer.Buffer

	result *chain.Result
	errStr strings.Builder

	logger *zap.Logger
}

// MessageOption configures a Message at construction.
type MessageOption func(*Message)

// WithResolveTimeout bounds each DNS lookup the chain engine performs
// for this message, overriding the chain engine's 5s default.
func WithResolveTimeout(d time.Duration) MessageOption {
	return func(m *Message) { m.resolveTimeout = d }
}

// NewMessage creates a Message bound to lib, operating under mode
// (ModeVerify, ModeSign, or both ORed together).
func NewMessage(lib *Lib, mode Mode, opts ...MessageOption) *Message {
	m := &Message{
		id:   uuid.New().String(),
		lib:  lib,
		mode: mode,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = lib.Logger().With(zap.String("message_id", m.id))

	chainOpts := []chain.Option{chain.WithResolver(lib.Resolver())}
	if m.resolveTimeout > 0 {
		chainOpts = append(chainOpts, chain.WithResolveTimeout(m.resolveTimeout))
	}
	if lib.MinKeySize() > 0 {
		chainOpts = append(chainOpts, chain.WithMinKeySize(lib.MinKeySize()))
	}
	m.chainMsg = chain.NewMessage(chainOpts...)

	overflow := func(current, attempted, max int) error {
		return tables.NewStatusError(tables.StatusNoResource,
			fmt.Errorf("body exceeds configured maximum of %d bytes", max))
	}
	m.bodyBuf = buffer.New(lib.MaxBodySize(), overflow)

	return m
}

// ID returns the message's correlation ID, a freshly generated UUID, for
// a host to fold into its own per-connection logging.
func (m *Message) ID() string { return m.id }

// HeaderField feeds one raw header line to the chain engine, applying
// FlagFixCRLF normalization first if configured.
func (m *Message) HeaderField(raw string) error {
	if m.lib.HasFlag(FlagFixCRLF) {
		raw = string(m.headerFix.Fix([]byte(raw)))
	}
	m.headers = append(m.headers, raw)
	if err := m.chainMsg.HeaderField(raw); err != nil {
		m.setError(err)
		return err
	}
	return nil
}

// EOH signals end of headers.
func (m *Message) EOH() error {
	if err := m.chainMsg.EOH(); err != nil {
		m.setError(err)
		return err
	}
	return nil
}

// Body feeds raw body bytes, applying FlagFixCRLF normalization first
// if configured, and accumulating a copy for a subsequent GetSeal call
// (sealing needs the body again to hash under its own canonicalization,
// independent of whatever canonicalizations the incoming AMS records
// asked the chain engine to hash it under).
func (m *Message) Body(p []byte) error {
	if m.lib.HasFlag(FlagFixCRLF) {
		p = m.bodyFix.Fix(p)
	}
	if _, err := m.bodyBuf.Write(p); err != nil {
		m.setError(err)
		return err
	}
	if err := m.chainMsg.Body(p); err != nil {
		m.setError(err)
		return err
	}
	return nil
}

// EOM signals end of message and runs chain validation. The result is
// cached on the Message for SetCV and GetSeal to consult.
func (m *Message) EOM(ctx context.Context) (*chain.Result, error) {
	result, err := m.chainMsg.EOM(ctx)
	if err != nil {
		m.setError(err)
		return nil, err
	}
	m.result = result
	m.logger.Debug("chain validated",
		zap.String("status", string(result.Status)),
		zap.Int("oldest_pass", result.OldestPass),
		zap.Bool("infail", result.InFail),
		zap.Int("sets", result.Sets),
	)
	return result, nil
}

// SetCV overrides the chain's validation outcome, refused once InFail
// has latched: a misbehaving caller cannot promote a known-bad chain
// back to passing.
func (m *Message) SetCV(cv tables.CV) error {
	if m.result == nil {
		return fmt.Errorf("arclib: SetCV called before EOM")
	}
	if m.result.InFail {
		return fmt.Errorf("arclib: chain is latched infail, cv override refused")
	}
	m.result.Status = tables.ChainStatus(cv)
	return nil
}

// GetSeal signs a new ARC set (AAR/AMS/AS) onto this message: instance
// N+1, where N is the number of ARC sets chain validation observed;
// cv "none" for instance 1, otherwise the just-computed chain status
// (or whatever SetCV last installed). EOM must be called first.
func (m *Message) GetSeal(cfg seal.Config, authResults string) (*seal.Result, error) {
	if m.mode&ModeSign == 0 {
		return nil, fmt.Errorf("arclib: message not opened in ModeSign")
	}
	if m.result == nil {
		return nil, fmt.Errorf("arclib: GetSeal called before EOM")
	}
	if m.result.InFail {
		// A permanently broken chain must not be sealed at all. Report
		// success with a nil Result rather than an error; the caller is
		// expected to check for nil before adding anything to the message.
		m.logger.Debug("GetSeal refused: chain latched infail")
		return nil, nil
	}

	instance := m.result.Sets + 1
	cv := tables.CV(m.result.Status)
	if instance == 1 {
		cv = tables.CVNone
	}

	if len(cfg.SignHeaders) == 0 && len(m.lib.SignHeaders()) > 0 {
		cfg.SignHeaders = m.lib.SignHeaders()
	}
	if cfg.Now == nil {
		cfg.Now = m.lib.Now
	}
	if cfg.SignatureTTL == 0 && m.lib.SignatureTTL() > 0 {
		cfg.SignatureTTL = m.lib.SignatureTTL()
	}

	req := seal.Request{
		Headers:         m.headers,
		Body:            m.bodyBuf.Bytes(),
		Instance:        instance,
		ChainValidation: cv,
		AuthResults:     authResults,
	}

	result, err := seal.Seal(cfg, req)
	if err != nil {
		m.setError(err)
		return nil, err
	}
	m.logger.Debug("sealed new ARC set",
		zap.Int("instance", instance),
		zap.String("cv", string(cv)),
	)
	return result, nil
}

// LastError returns the most recently set error's text, retained until
// the next error or until the Message is discarded. Returns "" if no
// error has been set.
func (m *Message) LastError() string {
	return m.errStr.String()
}

func (m *Message) setError(err error) {
	m.errStr.Reset()
	m.errStr.WriteString(err.Error())
	m.logger.Warn("message error", zap.Error(err), zap.String("message_id", m.id))
}
