package ecdsa

import "encoding/json"

// msgType tags every envelope so OnMsg can route it to the round waiting
// for it without a shared registry of message Go types.
type msgType string

const (
	msgKeygenCommit     msgType = "keygen_commit"     // broadcast: Feldman VSS commitments
	msgKeygenShare      msgType = "keygen_share"       // p2p: polynomial evaluation for recipient
	msgAuxInfo          msgType = "aux_info"           // not sent: Paillier + Ring-Pedersen public material travels in keygen_commit
	msgPresignBroadcast msgType = "presign_broadcast"  // broadcast: k_i ciphertext + Gamma_i point
	msgPresignMta       msgType = "presign_mta"        // p2p: MtA response (beta, cAlpha, dec proof)
	msgPresignDelta     msgType = "presign_delta"      // broadcast: this party's share of k*gamma
	msgSignPartial      msgType = "sign_partial"       // broadcast: partial signature share s_i
)

// envelope is the only wire shape every message takes; Payload is the
// JSON-encoded round-specific body.
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
	Commitments [][]byte `json:"commitments"` // compressed EC points, one per polynomial coefficient
	Nhat        []byte   `json:"nhat"`        // Ring-Pedersen N
	H1          []byte   `json:"h1"`
	H2          []byte   `json:"h2"`
	PaillierN   []byte   `json:"paillier_n"`
}

type keygenShareMsg struct {
	Share []byte `json:"share"` // big-endian secret share evaluated at recipient's index
}

type presignBroadcastMsg struct {
	CipherK []byte `json:"cipher_k"` // Enc(k_i)
	PointG  []byte `json:"point_g"`  // gamma_i * G, compressed
}

// decProofMsg carries a decrypt-correctness proof (accmta.BobResponds'
// decProof) plus the exact statement pieces (cBetaPrime, x) it was built
// against, since the verifier cannot reconstruct either from cAlpha alone.
// Zero value (empty ProofParts) means the sender had no ring-pedersen
// parameters for this round and produced no proof.
type decProofMsg struct {
	CBetaPrime []byte   `json:"c_beta_prime"`
	X          []byte   `json:"x"`
	ProofParts [][]byte `json:"proof_parts"`
}

type presignMtaMsg struct {
	CAlphaGamma []byte      `json:"c_alpha_gamma"`
	CAlphaW     []byte      `json:"c_alpha_w"`
	ProofGamma  decProofMsg `json:"proof_gamma"`
	ProofW      decProofMsg `json:"proof_w"`
}

type presignDeltaMsg struct {
	Delta []byte `json:"delta"` // big-endian share of k*gamma
}

type signPartialMsg struct {
	SShare []byte `json:"s_share"` // big-endian s_i
}
