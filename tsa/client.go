package tsa

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TemporalDynamics/ecosign-sub001/config"
	"github.com/TemporalDynamics/ecosign-sub001/domain"
)

const maxResponseSize = 1 << 20

// Token is a timestamp token issued for a witness hash.
type Token struct {
	Base64 string  `json:"token"`
	Result *Result `json:"result"`
}

// Client requests RFC 3161 timestamp tokens from one authority.
type Client struct {
	httpClient *http.Client
	url        string
	policyOID  string
}

// NewClient creates a timestamp authority client
func NewClient(cfg config.TSAConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: httpClient,
		url:        cfg.URL,
		policyOID:  cfg.PolicyOID,
	}
}

// Authority returns the authority URL tokens are requested from.
func (c *Client) Authority() string {
	return c.url
}

// Timestamp requests a token for witnessHash and verifies that the authority
// bound it to that hash before returning it.
func (c *Client) Timestamp(ctx context.Context, witnessHash string) (*Token, error) {
	if c.url == "" {
		return nil, fmt.Errorf("%w: no timestamp authority configured", domain.ErrExternalService)
	}

	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	reqDER, err := BuildRequest(witnessHash, c.policyOID, nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	body, err := c.post(ctx, reqDER)
	if err != nil {
		return nil, err
	}

	res, err := VerifyDER(body, witnessHash)
	if err != nil {
		return nil, fmt.Errorf("%w: authority response: %v", domain.ErrExternalService, err)
	}
	if !res.Verified() {
		return nil, fmt.Errorf("%w: authority bound the token to %s", domain.ErrExternalService, res.TokenHash)
	}
	if res.nonce != nil && res.nonce.Cmp(nonce) != 0 {
		return nil, fmt.Errorf("%w: authority echoed a different nonce", domain.ErrExternalService)
	}

	log.Info().
		Str("authority", c.url).
		Str("serial", res.SerialNumber).
		Time("genTime", res.GenTime).
		Msg("Timestamp token issued")

	return &Token{Base64: base64.StdEncoding.EncodeToString(body), Result: res}, nil
}

func (c *Client) post(ctx context.Context, reqDER []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqDER))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	httpReq.Header.Set("Accept", "application/timestamp-reply")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrExternalService, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", domain.ErrExternalService, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: authority returned HTTP %d", domain.ErrExternalService, resp.StatusCode)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: authority returned an empty response", domain.ErrExternalService)
	}
	return body, nil
}

// BuildRequest encodes a SHA-256 TimeStampReq for a hex digest.
func BuildRequest(hashHex, policyOID string, nonce *big.Int) ([]byte, error) {
	digest, err := hex.DecodeString(NormalizeHash(hashHex))
	if err != nil {
		return nil, fmt.Errorf("invalid hash: %w", err)
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("invalid hash length: %d", len(digest))
	}

	req := timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: pkix.AlgorithmIdentifier{
				Algorithm:  oidSHA256,
				Parameters: asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagNull},
			},
			HashedMessage: digest,
		},
		Nonce:   nonce,
		CertReq: true,
	}
	if p := strings.TrimSpace(policyOID); p != "" {
		oid, err := ParseOID(p)
		if err != nil {
			return nil, err
		}
		req.ReqPolicy = oid
	}
	return asn1.Marshal(req)
}

// ParseOID parses a dotted object identifier.
func ParseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid object identifier %q", s)
	}
	oid := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid object identifier %q", s)
		}
		oid = append(oid, n)
	}
	return oid, nil
}
