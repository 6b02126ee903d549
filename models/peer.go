package models

// PeerCredential is the trust material held for one remote peer.
type PeerCredential struct {
	PeerName    string `json:"peer_name"`
	Certificate []byte `json:"certificate"`
	PrivateKey  []byte `json:"private_key,omitempty"`
	Token       string `json:"token,omitempty"`
}

// Complete reports whether both halves of the credential are present.
func (c PeerCredential) Complete() bool {
	return len(c.Certificate) > 0 && c.Token != ""
}
