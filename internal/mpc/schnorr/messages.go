package schnorr

import "encoding/json"

type msgType string

const (
	msgKeygenCommit msgType = "keygen_commit"
	msgKeygenShare  msgType = "keygen_share"
	msgSignNonce    msgType = "sign_nonce"   // broadcast: D_i, E_i hiding/binding nonce commitments
	msgSignPartial  msgType = "sign_partial" // broadcast: z_i partial signature
)

type envelope struct {
	Type    msgType         `json:"type"`
	From    int             `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

func encodeEnvelope(t msgType, from int, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: t, From: from, Payload: body})
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var env envelope
	err := json.Unmarshal(raw, &env)
	return env, err
}

func unmarshalPayload(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}

type keygenCommitMsg struct {
	Commitments [][]byte `json:"commitments"`
}

type keygenShareMsg struct {
	Share []byte `json:"share"`
}

type signNonceMsg struct {
	D []byte `json:"d"`
	E []byte `json:"e"`
}

type signPartialMsg struct {
	Z []byte `json:"z"`
}
