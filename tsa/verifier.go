package tsa

import (
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ErrTokenParse matches every *ParseError.
var ErrTokenParse = errors.New("timestamp token could not be parsed")

// Format names the envelope shape a token was decoded from.
type Format string

const (
	FormatTimeStampResp Format = "timestamp-response"
	FormatContentInfo   Format = "content-info"
	FormatSignedData    Format = "signed-data"
	FormatTSTInfo       Format = "tst-info"
)

// Attempt is one failed decode of a candidate shape.
type Attempt struct {
	Format Format `json:"format"`
	Reason string `json:"reason"`
}

// ParseError is returned when no candidate shape decodes.
type ParseError struct {
	Attempts []Attempt
}

func (e *ParseError) Error() string {
	reasons := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		reasons[i] = fmt.Sprintf("%s: %s", a.Format, a.Reason)
	}
	return fmt.Sprintf("%s (%s)", ErrTokenParse.Error(), strings.Join(reasons, "; "))
}

func (e *ParseError) Unwrap() error {
	return ErrTokenParse
}

// Accuracy is the declared accuracy window of the generation time.
type Accuracy struct {
	Seconds int `json:"seconds,omitempty"`
	Millis  int `json:"millis,omitempty"`
	Micros  int `json:"micros,omitempty"`
}

// Duration returns the window as a time.Duration.
func (a Accuracy) Duration() time.Duration {
	return time.Duration(a.Seconds)*time.Second +
		time.Duration(a.Millis)*time.Millisecond +
		time.Duration(a.Micros)*time.Microsecond
}

// Result is a structurally valid token and its hash binding.
//
// HashMatches is nil when no expected hash was supplied, otherwise it reports
// whether the token is bound to that hash.
type Result struct {
	Format           Format    `json:"format"`
	Status           *int      `json:"status,omitempty"`
	HashAlgorithmOID string    `json:"hash_algorithm_oid"`
	HashAlgorithm    string    `json:"hash_algorithm"`
	TokenHash        string    `json:"token_hash"`
	ExpectedHash     string    `json:"expected_hash,omitempty"`
	HashMatches      *bool     `json:"hash_matches"`
	GenTime          time.Time `json:"gen_time"`
	Policy           string    `json:"policy"`
	SerialNumber     string    `json:"serial_number"`
	Accuracy         *Accuracy `json:"accuracy,omitempty"`
	Nonce            string    `json:"nonce,omitempty"`
	Attempts         []Attempt `json:"attempts,omitempty"`

	nonce *big.Int
}

// Verified reports whether the token is bound to the expected hash.
func (r *Result) Verified() bool {
	return r.HashMatches != nil && *r.HashMatches
}

type decoded struct {
	info   tstInfo
	status *int
}

type decoder struct {
	format Format
	decode func([]byte) (decoded, error)
}

// Issuing authorities emit different nesting depths, outermost first.
var decoders = []decoder{
	{FormatTimeStampResp, decodeTimeStampResp},
	{FormatContentInfo, decodeContentInfo},
	{FormatSignedData, decodeSignedData},
	{FormatTSTInfo, decodeTSTInfo},
}

// Verify decodes a base64 token and checks it against expectedHash (hex).
// An empty expectedHash decodes the token without a hash verdict.
func Verify(tokenB64, expectedHash string) (*Result, error) {
	der, err := decodeBase64(tokenB64)
	if err != nil {
		return nil, &ParseError{Attempts: []Attempt{{Format: "base64", Reason: err.Error()}}}
	}
	return VerifyDER(der, expectedHash)
}

// VerifyDER is Verify for a token that is already binary.
func VerifyDER(der []byte, expectedHash string) (*Result, error) {
	if len(der) == 0 {
		return nil, &ParseError{Attempts: []Attempt{{Format: "der", Reason: "empty token"}}}
	}

	var attempts []Attempt
	for _, d := range decoders {
		dec, err := d.decode(der)
		if err != nil {
			attempts = append(attempts, Attempt{Format: d.format, Reason: err.Error()})
			continue
		}
		res := newResult(d.format, dec)
		res.Attempts = attempts
		res.compare(expectedHash)
		return res, nil
	}
	return nil, &ParseError{Attempts: attempts}
}

func newResult(format Format, dec decoded) *Result {
	info := dec.info
	oid := info.MessageImprint.HashAlgorithm.Algorithm.String()
	name, ok := hashNames[oid]
	if !ok {
		name = oid
	}

	res := &Result{
		Format:           format,
		Status:           dec.status,
		HashAlgorithmOID: oid,
		HashAlgorithm:    name,
		TokenHash:        hex.EncodeToString(info.MessageImprint.HashedMessage),
		GenTime:          info.GenTime.UTC(),
		Policy:           info.Policy.String(),
		SerialNumber:     info.SerialNumber.String(),
		nonce:            info.Nonce,
	}
	if info.Accuracy != (accuracy{}) {
		res.Accuracy = &Accuracy{
			Seconds: info.Accuracy.Seconds,
			Millis:  info.Accuracy.Millis,
			Micros:  info.Accuracy.Micros,
		}
	}
	if info.Nonce != nil {
		res.Nonce = info.Nonce.String()
	}
	return res
}

func (r *Result) compare(expectedHash string) {
	expected := NormalizeHash(expectedHash)
	if expected == "" {
		return
	}
	r.ExpectedHash = expected
	matches := expected == r.TokenHash
	r.HashMatches = &matches
}

// NormalizeHash lowercases a hex digest and strips an "alg:" prefix.
func NormalizeHash(h string) string {
	h = strings.TrimSpace(h)
	if i := strings.IndexByte(h, ':'); i >= 0 {
		h = h[i+1:]
	}
	return strings.ToLower(h)
}

func decodeTimeStampResp(der []byte) (decoded, error) {
	var resp timeStampResp
	if err := unmarshalStrict(der, &resp); err != nil {
		return decoded{}, err
	}

	status := resp.Status.Status
	if status != StatusGranted && status != StatusGrantedWithMods {
		msg := fmt.Sprintf("authority returned status %d", status)
		if len(resp.Status.StatusString) > 0 {
			msg += ": " + strings.Join(resp.Status.StatusString, ", ")
		}
		return decoded{}, errors.New(msg)
	}
	if len(resp.TimeStampToken.ContentType) == 0 {
		return decoded{}, errors.New("response carries no token")
	}

	dec, err := fromContentInfo(resp.TimeStampToken)
	if err != nil {
		return decoded{}, err
	}
	dec.status = &status
	return dec, nil
}

func decodeContentInfo(der []byte) (decoded, error) {
	var ci contentInfo
	if err := unmarshalStrict(der, &ci); err != nil {
		return decoded{}, err
	}
	return fromContentInfo(ci)
}

func fromContentInfo(ci contentInfo) (decoded, error) {
	if !ci.ContentType.Equal(oidSignedData) {
		return decoded{}, fmt.Errorf("content type %s is not signed data", ci.ContentType)
	}
	if len(ci.Content.Bytes) == 0 {
		return decoded{}, errors.New("content info has no content")
	}
	return decodeSignedData(ci.Content.Bytes)
}

func decodeSignedData(der []byte) (decoded, error) {
	var sd signedData
	if err := unmarshalStrict(der, &sd); err != nil {
		return decoded{}, err
	}
	if !sd.EncapContentInfo.EContentType.Equal(oidTSTInfo) {
		return decoded{}, fmt.Errorf("encapsulated content type %s is not TSTInfo", sd.EncapContentInfo.EContentType)
	}
	if len(sd.EncapContentInfo.EContent) == 0 {
		return decoded{}, errors.New("signed data has no encapsulated content")
	}
	return decodeTSTInfo(sd.EncapContentInfo.EContent)
}

func decodeTSTInfo(der []byte) (decoded, error) {
	var info tstInfo
	if err := unmarshalStrict(der, &info); err != nil {
		return decoded{}, err
	}
	if info.Version != 1 {
		return decoded{}, fmt.Errorf("unsupported TSTInfo version %d", info.Version)
	}
	if len(info.MessageImprint.HashedMessage) == 0 {
		return decoded{}, errors.New("message imprint is empty")
	}
	if info.SerialNumber == nil {
		return decoded{}, errors.New("serial number is missing")
	}
	return decoded{info: info}, nil
}

func unmarshalStrict(der []byte, v interface{}) error {
	rest, err := asn1.Unmarshal(der, v)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("%d trailing bytes", len(rest))
	}
	return nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	if s == "" {
		return nil, errors.New("token is empty")
	}
	if der, err := base64.StdEncoding.DecodeString(s); err == nil {
		return der, nil
	}
	if der, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return der, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
