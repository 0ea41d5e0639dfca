package cryptoutils

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
	"github.com/ruteri/tee-sealing-key-provider/interfaces"
)

// AttestationTypeFromString parses a configured attestation type.
func AttestationTypeFromString(str string) (interfaces.AttestationType, error) {
	switch interfaces.AttestationType(str) {
	case interfaces.SoftwareAttestation, interfaces.DCAPAttestation:
		return interfaces.AttestationType(str), nil
	default:
		return "", fmt.Errorf("%w: %q", interfaces.ErrUnsupportedAttestation, str)
	}
}

// SoftwareAuthority signs quotes with an Ed25519 key. It stands in for attestation
// hardware in development deployments and tests; the corresponding SoftwareVerifier
// trusts its public key as the attestation root.
type SoftwareAuthority struct {
	key ed25519.PrivateKey
	Now func() time.Time
}

// NewSoftwareAuthority creates an authority from a 32-byte Ed25519 seed.
func NewSoftwareAuthority(seed []byte) (*SoftwareAuthority, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid authority seed length %d: must be %d bytes", len(seed), ed25519.SeedSize)
	}
	return &SoftwareAuthority{key: ed25519.NewKeyFromSeed(seed), Now: time.Now}, nil
}

// PublicKey returns the authority's verification key.
func (a *SoftwareAuthority) PublicKey() ed25519.PublicKey {
	return a.key.Public().(ed25519.PublicKey)
}

// Sign issues a quote over measurement and report data at the given time.
func (a *SoftwareAuthority) Sign(measurement interfaces.Measurement, reportData [interfaces.ReportDataSize]byte, ts time.Time) *interfaces.Quote {
	return a.SignOn(nil, measurement, reportData, ts)
}

// SignOn is Sign for an enclave running on the given platform.
func (a *SoftwareAuthority) SignOn(platform []byte, measurement interfaces.Measurement, reportData [interfaces.ReportDataSize]byte, ts time.Time) *interfaces.Quote {
	q := &interfaces.Quote{
		Type:        interfaces.SoftwareAttestation,
		Measurement: measurement,
		ReportData:  reportData,
		Platform:    append([]byte(nil), platform...),
		Timestamp:   ts,
	}
	q.Signature = ed25519.Sign(a.key, softwareQuoteMessage(q))
	return q
}

// Provider returns a QuoteProvider issuing quotes for an enclave with the given measurement.
func (a *SoftwareAuthority) Provider(measurement interfaces.Measurement) *SoftwareQuoteProvider {
	return &SoftwareQuoteProvider{authority: a, measurement: measurement}
}

func softwareQuoteMessage(q *interfaces.Quote) []byte {
	msg := make([]byte, 0, 128)
	msg = append(msg, "skp/software-quote/v1"...)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(q.Type)))
	msg = append(msg, q.Type...)
	msg = append(msg, q.Measurement[:]...)
	msg = append(msg, q.ReportData[:]...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(q.Timestamp.UnixNano()))
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(q.Platform)))
	msg = append(msg, q.Platform...)
	return msg
}

// SoftwareQuoteProvider requests quotes from a SoftwareAuthority.
type SoftwareQuoteProvider struct {
	authority   *SoftwareAuthority
	measurement interfaces.Measurement
	platform    []byte
}

// OnPlatform returns a provider whose quotes report the given platform ID.
func (p *SoftwareQuoteProvider) OnPlatform(platform []byte) *SoftwareQuoteProvider {
	return &SoftwareQuoteProvider{
		authority:   p.authority,
		measurement: p.measurement,
		platform:    append([]byte(nil), platform...),
	}
}

func (*SoftwareQuoteProvider) AttestationType() interfaces.AttestationType {
	return interfaces.SoftwareAttestation
}

func (p *SoftwareQuoteProvider) RequestQuote(ctx context.Context, reportData [interfaces.ReportDataSize]byte) (*interfaces.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.authority.SignOn(p.platform, p.measurement, reportData, p.authority.Now()), nil
}

// SoftwareVerifier checks quotes issued by a SoftwareAuthority.
type SoftwareVerifier struct {
	Root ed25519.PublicKey
}

func (*SoftwareVerifier) AttestationType() interfaces.AttestationType {
	return interfaces.SoftwareAttestation
}

func (v *SoftwareVerifier) VerifyQuote(_ context.Context, q *interfaces.Quote) error {
	if q.Type != interfaces.SoftwareAttestation {
		return fmt.Errorf("%w: %s", interfaces.ErrUnsupportedAttestation, q.Type)
	}
	if len(v.Root) != ed25519.PublicKeySize {
		return errors.New("software attestation root not configured")
	}
	if !ed25519.Verify(v.Root, softwareQuoteMessage(q), q.Signature) {
		return errors.New("software quote signature invalid")
	}
	return nil
}

// DCAPQuoteProvider obtains TDX quotes from the local guest, through configfs-tsm
// when available and the TDX guest device otherwise.
type DCAPQuoteProvider struct{}

func (DCAPQuoteProvider) AttestationType() interfaces.AttestationType {
	return interfaces.DCAPAttestation
}

func (DCAPQuoteProvider) RequestQuote(ctx context.Context, reportData [interfaces.ReportDataSize]byte) (*interfaces.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := rawDCAPQuote(reportData)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrQuoteGenerationFailed, err)
	}
	return QuoteFromRawDCAP(raw, time.Now())
}

func rawDCAPQuote(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// RemoteQuoteProvider requests DCAP quotes from an attestation service over HTTP.
// The service answers GET {Address}/attest/{hex(report data)} with a raw quote.
type RemoteQuoteProvider struct {
	Address string
	Client  *http.Client
}

func (*RemoteQuoteProvider) AttestationType() interfaces.AttestationType {
	return interfaces.DCAPAttestation
}

func (p *RemoteQuoteProvider) RequestQuote(ctx context.Context, reportData [interfaces.ReportDataSize]byte) (*interfaces.Quote, error) {
	url := fmt.Sprintf("%s/attest/%s", p.Address, hex.EncodeToString(reportData[:]))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building quote request: %w", err)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: calling remote quote provider: %w", interfaces.ErrQuoteGenerationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: remote quote provider returned status %d: %s", interfaces.ErrQuoteGenerationFailed, resp.StatusCode, string(body))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading quote from response: %w", interfaces.ErrQuoteGenerationFailed, err)
	}
	return QuoteFromRawDCAP(raw, time.Now())
}

// QuoteFromRawDCAP parses a raw TDX quote into a Quote envelope. The DCAP quote body
// carries no timestamp, so ts is the local time the quote was obtained.
func QuoteFromRawDCAP(raw []byte, ts time.Time) (*interfaces.Quote, error) {
	quote, err := parseTDXQuote(raw)
	if err != nil {
		return nil, err
	}
	body := quote.GetTdQuoteBody()

	q := &interfaces.Quote{
		Type:        interfaces.DCAPAttestation,
		Measurement: TDXMeasurement(body),
		Platform:    TDXPlatformID(quote),
		Signature:   raw,
		Timestamp:   ts,
	}
	copy(q.ReportData[:], body.ReportData)
	return q, nil
}

func parseTDXQuote(raw []byte) (*tdx_pb.QuoteV4, error) {
	protoQuote, err := tdx_abi.QuoteToProto(raw)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	switch q := protoQuote.(type) {
	case *tdx_pb.QuoteV4:
		if q.GetTdQuoteBody() == nil {
			return nil, errors.New("quote has no TD body")
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported quote type: %T", q)
	}
}

// TDXPlatformID returns the platform identifier the quoting enclave puts in the
// first bytes of the header user data (the PPID prefix). Quotes produced on the
// same physical machine share it. Returns nil when the header is missing.
func TDXPlatformID(quote *tdx_pb.QuoteV4) []byte {
	userData := quote.GetHeader().GetUserData()
	if len(userData) < interfaces.PlatformIDSize {
		return nil
	}
	return append([]byte(nil), userData[:interfaces.PlatformIDSize]...)
}

// TDXMeasurement condenses the TD measurement registers into a single measurement:
// SHA-256(MRTD || RTMR0 || RTMR1 || RTMR2 || RTMR3).
func TDXMeasurement(body *tdx_pb.TDQuoteBody) interfaces.Measurement {
	h := sha256.New()
	h.Write(body.GetMrTd())
	for _, rtmr := range body.GetRtmrs() {
		h.Write(rtmr)
	}

	var m interfaces.Measurement
	copy(m[:], h.Sum(nil))
	return m
}

// DCAPVerifier verifies TDX quotes against Intel's collateral and checks that the
// envelope fields match the signed quote body.
type DCAPVerifier struct {
	// CheckCollateral fetches TCB info and QE identity from Intel PCS and checks
	// the PCK chain for revocations. Ignored when Options is set.
	CheckCollateral bool
	Options         *verify.Options
}

func (*DCAPVerifier) AttestationType() interfaces.AttestationType {
	return interfaces.DCAPAttestation
}

// options are built per call so that certificate validity is checked against
// the current time.
func (v *DCAPVerifier) options() *verify.Options {
	if v.Options != nil {
		return v.Options
	}
	options := verify.DefaultOptions()
	options.GetCollateral = v.CheckCollateral
	options.CheckRevocations = v.CheckCollateral
	return options
}

func (v *DCAPVerifier) VerifyQuote(_ context.Context, q *interfaces.Quote) error {
	if q.Type != interfaces.DCAPAttestation {
		return fmt.Errorf("%w: %s", interfaces.ErrUnsupportedAttestation, q.Type)
	}

	protoQuote, err := tdx_abi.QuoteToProto(q.Signature)
	if err != nil {
		return fmt.Errorf("could not parse quote: %w", err)
	}

	if err := verify.TdxQuote(protoQuote, v.options()); err != nil {
		return fmt.Errorf("quote verification failed: %w", err)
	}

	quote, err := parseTDXQuote(q.Signature)
	if err != nil {
		return err
	}
	body := quote.GetTdQuoteBody()
	if !bytes.Equal(body.GetReportData(), q.ReportData[:]) {
		return fmt.Errorf("envelope report data %x does not match quote body %x", q.ReportData, body.GetReportData())
	}
	if TDXMeasurement(body) != q.Measurement {
		return fmt.Errorf("envelope measurement %s does not match quote body", q.Measurement)
	}
	if len(q.Platform) > 0 && !bytes.Equal(q.Platform, TDXPlatformID(quote)) {
		return fmt.Errorf("envelope platform %x does not match quote header", q.Platform)
	}
	return nil
}
