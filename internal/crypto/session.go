package crypto

const (
	labelSession = "ilp:session:v1"
	labelMACKey  = "ilp:mac:v1"
)

// SessionKeys is the material one handshake yields for a peer relationship.
// Both sides derive identical values.
type SessionKeys struct {
	AEADKey []byte
	MACKey  []byte
}

// DeriveSessionKeys binds the ephemeral and static DH outputs to the
// handshake transcript.
func DeriveSessionKeys(ephemeralShared, staticShared, transcript []byte) (SessionKeys, error) {
	if len(ephemeralShared) == 0 || len(staticShared) == 0 || len(transcript) == 0 {
		return SessionKeys{}, errEmptyKeyData
	}
	master := KDF(labelSession, ephemeralShared, staticShared, SHA3_256(transcript))
	return SessionKeys{
		AEADKey: master,
		MACKey:  KDF(labelMACKey, master),
	}, nil
}
