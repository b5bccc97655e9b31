package socket

import (
	"fmt"
	"time"

	"distreg/internal/domain"
	"distreg/internal/keys"
	"distreg/internal/pkgstore"
	"distreg/internal/transport"
)

// Admission holds the checks a partner applies before accepting a delivery,
// whatever wire it arrived on.
type Admission struct {
	// PartnerID, when set, rejects envelopes addressed to another partner.
	PartnerID string
	// KeyTTL, when positive, rejects envelopes whose distribution key is older.
	KeyTTL time.Duration
}

// Admit returns an ErrValidation for malformed or misaddressed envelopes and
// an ErrIntegrity when the payload does not hash to the advertised ids.
func (a Admission) Admit(env transport.Envelope) error {
	if env.PackageID == "" || env.Name == "" || len(env.Payload) == 0 {
		return fmt.Errorf("%w: package_id, name and payload required", domain.ErrValidation)
	}
	if a.PartnerID != "" && env.PartnerID != a.PartnerID {
		return fmt.Errorf("%w: delivery addressed to %q", domain.ErrValidation, env.PartnerID)
	}
	if err := a.checkKey(env.Key); err != nil {
		return err
	}
	checksum := pkgstore.Checksum(env.Payload)
	if checksum != env.Checksum || pkgstore.PackageID(env.Name, env.Version, checksum) != env.PackageID {
		return fmt.Errorf("%w: payload does not match checksum", domain.ErrIntegrity)
	}
	return nil
}

func (a Admission) checkKey(token string) error {
	if token == "" {
		return fmt.Errorf("%w: distribution key required", domain.ErrValidation)
	}
	if a.KeyTTL > 0 {
		_, err := keys.NewValidator(a.KeyTTL).Validate(token)
		return err
	}
	_, err := keys.Parse(token)
	return err
}
