package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"distreg/internal/domain"
)

const (
	Prefix = domain.KeyPrefix

	NonceBytes     = 8
	NonceWidth     = NonceBytes * 2
	CheckWidth     = 8
	MaxTenantWidth = 64

	fieldCount = 5
	sep        = "-"
)

// ValidTenant reports whether tenant is non-empty and within [A-Za-z0-9_-].
func ValidTenant(tenant string) bool {
	if tenant == "" || len(tenant) > MaxTenantWidth {
		return false
	}
	for i := 0; i < len(tenant); i++ {
		c := tenant[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// Format renders the key, filling in the check segment when it is empty.
func Format(k domain.DistributionKey) string {
	if k.Check == "" {
		k.Check = checksum(k.TenantID, k.IssuedAt, k.Nonce)
	}
	return k.String()
}

// Parse decodes a token without checking expiry.
func Parse(token string) (domain.DistributionKey, error) {
	parts := strings.SplitN(token, sep, fieldCount)
	if len(parts) != fieldCount {
		return domain.DistributionKey{}, fmt.Errorf("%w: want %d fields, got %d", domain.ErrInvalidFormat, fieldCount, len(parts))
	}
	prefix, nonce, issued, check, tenant := parts[0], parts[1], parts[2], parts[3], parts[4]
	if prefix != Prefix {
		return domain.DistributionKey{}, fmt.Errorf("%w: unknown prefix", domain.ErrInvalidFormat)
	}
	if !upperHex(nonce, NonceWidth) {
		return domain.DistributionKey{}, fmt.Errorf("%w: nonce must be %d upper-case hex chars", domain.ErrInvalidFormat, NonceWidth)
	}
	if !upperHex(check, CheckWidth) {
		return domain.DistributionKey{}, fmt.Errorf("%w: check must be %d upper-case hex chars", domain.ErrInvalidFormat, CheckWidth)
	}
	if issued == "" || issued[0] == '+' || issued[0] == '-' || (len(issued) > 1 && issued[0] == '0') {
		return domain.DistributionKey{}, fmt.Errorf("%w: bad issued_at", domain.ErrInvalidFormat)
	}
	issuedAt, err := strconv.ParseInt(issued, 10, 64)
	if err != nil || issuedAt < 0 {
		return domain.DistributionKey{}, fmt.Errorf("%w: bad issued_at", domain.ErrInvalidFormat)
	}
	if !ValidTenant(tenant) {
		return domain.DistributionKey{}, fmt.Errorf("%w: bad tenant", domain.ErrInvalidFormat)
	}
	if checksum(tenant, issuedAt, nonce) != check {
		return domain.DistributionKey{}, fmt.Errorf("%w: check mismatch", domain.ErrInvalidFormat)
	}
	return domain.DistributionKey{TenantID: tenant, IssuedAt: issuedAt, Nonce: nonce, Check: check}, nil
}

func checksum(tenant string, issuedAt int64, nonce string) string {
	h := sha256.New()
	_, _ = h.Write([]byte(tenant))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.FormatInt(issuedAt, 10)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(nonce))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)[:CheckWidth/2]))
}

func upperHex(s string, width int) bool {
	if len(s) != width {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
