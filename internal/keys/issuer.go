package keys

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"distreg/internal/domain"
)

const DefaultTTL = 24 * time.Hour

// Issuer generates keys. IssuedAt never decreases for a tenant within one
// Issuer, even if the wall clock steps backwards.
type Issuer struct {
	mu      sync.Mutex
	last    map[string]int64
	entropy io.Reader
	now     func() time.Time
}

func NewIssuer() *Issuer {
	return &Issuer{last: make(map[string]int64), entropy: rand.Reader, now: time.Now}
}

func (i *Issuer) Generate(tenant string) (domain.DistributionKey, error) {
	if !ValidTenant(tenant) {
		return domain.DistributionKey{}, fmt.Errorf("%w: %q", domain.ErrInvalidTenant, tenant)
	}
	var raw [NonceBytes]byte
	if _, err := io.ReadFull(i.entropy, raw[:]); err != nil {
		return domain.DistributionKey{}, fmt.Errorf("read entropy: %w", err)
	}
	nonce := strings.ToUpper(hex.EncodeToString(raw[:]))

	i.mu.Lock()
	issued := i.now().UTC().Unix()
	if prev, ok := i.last[tenant]; ok && prev > issued {
		issued = prev
	}
	i.last[tenant] = issued
	i.mu.Unlock()

	return domain.DistributionKey{
		TenantID: tenant,
		IssuedAt: issued,
		Nonce:    nonce,
		Check:    checksum(tenant, issued, nonce),
	}, nil
}

// GenerateBatch returns n keys with pairwise distinct nonces.
func (i *Issuer) GenerateBatch(tenant string, n int) ([]domain.DistributionKey, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: batch size must be > 0", domain.ErrValidation)
	}
	out := make([]domain.DistributionKey, 0, n)
	seen := make(map[string]struct{}, n)
	for len(out) < n {
		k, err := i.Generate(tenant)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[k.Nonce]; dup {
			continue
		}
		seen[k.Nonce] = struct{}{}
		out = append(out, k)
	}
	return out, nil
}

type Validator struct {
	TTL time.Duration
	Now func() time.Time
}

func NewValidator(ttl time.Duration) Validator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return Validator{TTL: ttl, Now: time.Now}
}

func (v Validator) Validate(token string) (domain.DistributionKey, error) {
	k, err := Parse(token)
	if err != nil {
		return domain.DistributionKey{}, err
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	ttl := v.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	age := now().UTC().Unix() - k.IssuedAt
	if time.Duration(age)*time.Second > ttl {
		return domain.DistributionKey{}, fmt.Errorf("%w: issued %ds ago", domain.ErrExpired, age)
	}
	return k, nil
}
