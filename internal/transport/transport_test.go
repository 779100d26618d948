package transport

import "testing"

func TestMACAuthenticatesFrameFields(t *testing.T) {
	var key AuthKey
	for i := range key {
		key[i] = byte(i)
	}

	f := Frame{Round: 2, Sender: 1, Recipient: 3, Payload: []byte("round payload")}
	Sign(key, &f)
	if !VerifyMAC(key, f) {
		t.Fatal("expected freshly signed frame to verify")
	}

	tampered := f
	tampered.Payload = []byte("round payloaD")
	if VerifyMAC(key, tampered) {
		t.Fatal("expected verification to fail after payload tampering")
	}

	wrongKey := key
	wrongKey[0] ^= 0xff
	if VerifyMAC(wrongKey, f) {
		t.Fatal("expected verification to fail under the wrong key")
	}
}
